// Package cmd provides the command-line interface for the indexing
// pipeline. It handles command parsing, configuration loading, and wiring
// of the worker daemon.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/indextadoru/internal/config"
	"github.com/masahif/indextadoru/internal/logging"
	"github.com/masahif/indextadoru/internal/pipeline"
	"github.com/masahif/indextadoru/internal/secrets"
	"github.com/masahif/indextadoru/internal/storage"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd runs the worker daemon: the monitor sweeps plus the orchestrator.
var rootCmd = &cobra.Command{
	Use:   "indextadoru",
	Short: "A URL indexing job pipeline worker",
	Long: `Indextadoru drives batches of URLs through an external indexing API.

It expands each job's URL source (explicit list or sitemap), spreads
submissions across the owner's service accounts with independent quotas,
tracks per-URL outcomes durably, and recovers from crashed workers.`,
	RunE: runDaemon,
}

// runCmd synchronously processes one user's pending jobs.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a user's pending jobs now",
	RunE:  runTrigger,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI.
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./indextadoru.yml)")

	rootCmd.PersistentFlags().StringP("database", "d", "./indextadoru.db", "Path to SQLite database file")
	rootCmd.PersistentFlags().String("master-key", "", "Hex-encoded 32-byte key sealing stored credentials (prefer IT_MASTER_KEY)")
	rootCmd.PersistentFlags().String("publish-endpoint", "https://indexing.googleapis.com/v3/urlNotifications:publish", "Indexing API publish endpoint")
	rootCmd.PersistentFlags().String("token-endpoint", "https://oauth2.googleapis.com/token", "OAuth token endpoint fallback")
	rootCmd.PersistentFlags().DurationP("timeout", "t", 30*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().DurationP("delay", "r", 100*time.Millisecond, "Delay between URL submissions within a job")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Optional log file path (rotated)")

	rootCmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")
	rootCmd.Flags().Duration("pending-sweep", time.Minute, "Interval between pending-job sweeps")
	rootCmd.Flags().Duration("schedule-sweep", time.Minute, "Interval between schedule sweeps")
	rootCmd.Flags().Duration("stale-sweep", 5*time.Minute, "Interval between stale-lock sweeps")
	rootCmd.Flags().Duration("stale-after", 30*time.Minute, "Lock age after which a running job is presumed crashed")
	rootCmd.Flags().Int("batch", 5, "Jobs dispatched per pending sweep")
	rootCmd.Flags().Duration("stagger", 2*time.Second, "Pause between dispatches within one sweep")

	runCmd.Flags().String("user", "", "User whose pending jobs to process")
	_ = runCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(runCmd)

	bindFlags := []struct {
		viperKey string
		flagName string
	}{
		{"database_path", "database"},
		{"master_key", "master-key"},
		{"publish_endpoint", "publish-endpoint"},
		{"token_endpoint", "token-endpoint"},
		{"request_timeout", "timeout"},
		{"submit_delay", "delay"},
		{"log_level", "log-level"},
		{"log_file", "log-file"},
	}
	for _, bind := range bindFlags {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.PersistentFlags().Lookup(bind.flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}

	rootBinds := []struct {
		viperKey string
		flagName string
	}{
		{"pending_sweep_interval", "pending-sweep"},
		{"schedule_sweep_interval", "schedule-sweep"},
		{"stale_sweep_interval", "stale-sweep"},
		{"stale_lock_after", "stale-after"},
		{"pending_batch_size", "batch"},
		{"dispatch_stagger", "stagger"},
	}
	for _, bind := range rootBinds {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.Flags().Lookup(bind.flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("indextadoru")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("IT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	return logging.SetDefault(logging.Config{
		Level:    logging.ParseLevel(cfg.LogLevel),
		FilePath: cfg.LogFile,
		Console:  true,
	})
}

func showCurrentConfig(cfg *config.Config) error {
	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Printf("# Current Indextadoru Configuration\n")
	fmt.Printf("# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Printf("# Configuration file search paths: ./indextadoru.yml\n")
	fmt.Printf("# Environment variables prefix: IT_\n\n")
	fmt.Print(string(yamlData))
	return nil
}

// components holds the wired pipeline held by a command for its lifetime.
type components struct {
	store        *storage.SQLiteStorage
	orchestrator *pipeline.Orchestrator
	monitor      *pipeline.Monitor
}

// buildComponents is the composition root: every service is constructed
// here and handed its dependencies explicitly.
func buildComponents(cfg *config.Config) (*components, error) {
	dbDir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	box, err := secrets.NewBoxFromHex(cfg.MasterKey)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize secret box: %w", err)
	}

	vault := pipeline.NewVault(store, box, cfg.TokenEndpoint, cfg.RequestTimeout)
	resolver := pipeline.NewSourceResolver(cfg.RequestTimeout)
	submitter := pipeline.NewIndexingClient(cfg.PublishEndpoint, cfg.RequestTimeout)
	orchestrator := pipeline.NewOrchestrator(store, resolver, submitter, vault, pipeline.LogNotifier{}, cfg.SubmitDelay)

	monitor := pipeline.NewMonitor(store, orchestrator, pipeline.MonitorSettings{
		PendingInterval:  cfg.PendingSweepInterval,
		ScheduleInterval: cfg.ScheduleSweepInterval,
		StaleInterval:    cfg.StaleSweepInterval,
		StaleLockAfter:   cfg.StaleLockAfter,
		PendingBatch:     cfg.PendingBatchSize,
		DispatchStagger:  cfg.DispatchStagger,
	})

	return &components{store: store, orchestrator: orchestrator, monitor: monitor}, nil
}

func (c *components) close() {
	if err := c.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close storage: %v\n", err)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	showConfig, _ := cmd.Flags().GetBool("show-config")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if showConfig {
		return showCurrentConfig(cfg)
	}
	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := comps.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	fmt.Printf("Worker %s running, database %s\n", comps.orchestrator.WorkerID(), cfg.DatabasePath)

	<-ctx.Done()
	comps.monitor.Stop()
	return nil
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	userID, _ := cmd.Flags().GetString("user")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.close()

	results, err := comps.monitor.TriggerUser(cmd.Context(), userID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("No pending jobs for user %s\n", userID)
		return nil
	}

	for _, result := range results {
		if result.Success {
			fmt.Printf("Job %s: completed\n", result.JobID)
		} else {
			fmt.Printf("Job %s: failed (%s)\n", result.JobID, result.Error)
		}
	}
	return nil
}
