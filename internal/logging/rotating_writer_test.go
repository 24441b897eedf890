package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newWriter(t *testing.T, dir string, maxSize int64, maxBackups int) *RotatingFileWriter {
	t.Helper()
	writer, err := NewRotatingFileWriter(filepath.Join(dir, "test.log"), maxSize, maxBackups)
	if err != nil {
		t.Fatalf("NewRotatingFileWriter failed: %v", err)
	}
	t.Cleanup(func() { _ = writer.Close() })
	return writer
}

func TestRotatingFileWriter(t *testing.T) {
	t.Run("writes through to the file", func(t *testing.T) {
		tmpDir := t.TempDir()
		writer := newWriter(t, tmpDir, 1024, 3)

		data := []byte("worker started\n")
		n, err := writer.Write(data)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if n != len(data) {
			t.Errorf("Write returned %d, want %d", n, len(data))
		}

		content, err := os.ReadFile(filepath.Join(tmpDir, "test.log"))
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if string(content) != string(data) {
			t.Errorf("File content = %q, want %q", content, data)
		}
	})

	t.Run("rotates when the size limit is crossed", func(t *testing.T) {
		tmpDir := t.TempDir()
		writer := newWriter(t, tmpDir, 50, 3)

		first := strings.Repeat("A", 30) + "\n"
		second := strings.Repeat("B", 30) + "\n"
		if _, err := writer.Write([]byte(first)); err != nil {
			t.Fatalf("First write failed: %v", err)
		}
		if _, err := writer.Write([]byte(second)); err != nil {
			t.Fatalf("Second write failed: %v", err)
		}

		// The active file holds only the post-rotation write.
		content, err := os.ReadFile(filepath.Join(tmpDir, "test.log"))
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if string(content) != second {
			t.Errorf("Active log content = %q, want %q", content, second)
		}

		// The first write moved into a dated .1 backup.
		backup := findBackup(t, tmpDir, ".1.log")
		if backup == "" {
			t.Fatal("Expected a backup file after rotation")
		}
		backupContent, err := os.ReadFile(filepath.Join(tmpDir, backup))
		if err != nil {
			t.Fatalf("Failed to read backup file: %v", err)
		}
		if string(backupContent) != first {
			t.Errorf("Backup content = %q, want %q", backupContent, first)
		}
	})

	t.Run("prunes backups beyond the limit", func(t *testing.T) {
		tmpDir := t.TempDir()
		writer := newWriter(t, tmpDir, 20, 2)

		for i := 0; i < 5; i++ {
			msg := fmt.Sprintf("message %d: %s\n", i, strings.Repeat("X", 15))
			if _, err := writer.Write([]byte(msg)); err != nil {
				t.Fatalf("Write %d failed: %v", i, err)
			}
		}

		files, err := os.ReadDir(tmpDir)
		if err != nil {
			t.Fatalf("Failed to read directory: %v", err)
		}
		backups := 0
		for _, file := range files {
			if strings.Contains(file.Name(), "test-") {
				backups++
			}
		}
		if backups > 2 {
			t.Errorf("Found %d backup files, expected at most 2", backups)
		}
	})

	t.Run("backup names carry date and index", func(t *testing.T) {
		tmpDir := t.TempDir()
		writer := newWriter(t, tmpDir, 1024, 3)

		name := writer.backupName(1)
		if !strings.Contains(filepath.Base(name), "test-") {
			t.Errorf("Backup name %q does not contain the base name", name)
		}
		if !strings.HasSuffix(name, ".1.log") {
			t.Errorf("Backup name %q does not carry the index suffix", name)
		}
		if filepath.Dir(name) != tmpDir {
			t.Errorf("Backup directory = %q, want %q", filepath.Dir(name), tmpDir)
		}
	})
}

func findBackup(t *testing.T, dir, suffix string) string {
	t.Helper()
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read directory: %v", err)
	}
	for _, file := range files {
		if strings.Contains(file.Name(), "test-") && strings.HasSuffix(file.Name(), suffix) {
			return file.Name()
		}
	}
	return ""
}
