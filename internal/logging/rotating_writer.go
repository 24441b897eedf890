package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingFileWriter appends to a single log file and rotates it once a
// write would push it past the configured size. Rotated files carry the
// rotation date and an index in their name; at most maxBackups of them are
// kept, oldest removed first, including backups left over from earlier days.
type RotatingFileWriter struct {
	mu         sync.Mutex
	filePath   string
	maxSize    int64
	maxBackups int

	file *os.File
	size int64

	now func() time.Time
}

// NewRotatingFileWriter opens (or creates) the log file for appending.
func NewRotatingFileWriter(filePath string, maxSize int64, maxBackups int) (*RotatingFileWriter, error) {
	w := &RotatingFileWriter{
		filePath:   filePath,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		now:        time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer, rotating first when the write would exceed
// the size limit.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file. Further writes fail.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// open opens the active file for appending and records its current size,
// which may be non-zero after a restart.
func (w *RotatingFileWriter) open() error {
	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate moves the active file into the first free backup slot for the
// current date, prunes old backups and reopens a fresh active file.
func (w *RotatingFileWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}

	// The active file may not exist yet when the very first write is
	// already over the limit.
	if err := os.Rename(w.filePath, w.nextBackupName()); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.prune()

	return w.open()
}

// nextBackupName returns the first unused backup slot for today.
func (w *RotatingFileWriter) nextBackupName() string {
	for i := 1; ; i++ {
		name := w.backupName(i)
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
	}
}

// backupName builds the path for today's backup at the given index, e.g.
// daemon-20260830.1.log for daemon.log.
func (w *RotatingFileWriter) backupName(index int) string {
	dir := filepath.Dir(w.filePath)
	base := filepath.Base(w.filePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", stem, w.now().Format("20060102"), index, ext))
}

// prune deletes the oldest backups once more than maxBackups exist.
// Matching is by name prefix, so backups rotated on earlier days are
// counted against the limit as well.
func (w *RotatingFileWriter) prune() {
	dir := filepath.Dir(w.filePath)
	base := filepath.Base(w.filePath)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type backup struct {
		name string
		mod  time.Time
	}
	var backups []backup
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{name: name, mod: info.ModTime()})
	}
	if len(backups) <= w.maxBackups {
		return
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.Before(backups[j].mod) })
	for _, b := range backups[:len(backups)-w.maxBackups] {
		_ = os.Remove(filepath.Join(dir, b.name))
	}
}

var _ io.WriteCloser = (*RotatingFileWriter)(nil)
