package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"reelay/internal/config"
	"reelay/internal/gateway"
	"reelay/internal/maintenance"
	"reelay/internal/version"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dbPath  string
	verbose bool
	port    int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reelay",
	Short: "Reelay Studio - chat-driven video editing server",
	Long: `Reelay Studio serves the editing chat over WebSocket, persists
conversation history, and fronts the preview and UI dev servers behind
a single port.

Run without a subcommand to start the server.`,
	Version: version.Full(),
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the studio server",
	Long: `Start the studio server. This is the main mode: it listens for
WebSocket task sessions, serves the chat API and the UI bundle, and runs
scheduled database maintenance in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Reelay Studio %s\n", version.Full())
		buildInfo := version.GetBuildInfo()

		if buildInfo.GitCommit != "unknown" {
			fmt.Printf("Git commit: %s\n", buildInfo.GitCommit)
		}
		if buildInfo.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", buildInfo.BuildDate)
		}
		fmt.Printf("Go version: %s\n", buildInfo.GoVersion)

		return nil
	},
}

func init() {
	cobra.OnInitialize(initLogging)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "database", "", "database file path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	// Serve command flags
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(tokenCmd)

	// If no command is specified, default to serve
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	}
}

func initLogging() {
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Verbose logging enabled")
	}
}

// loadConfig loads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

func runServe() error {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override port if specified
	if port > 0 {
		cfg.Port = port
	}

	// Create the server instance
	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Maintenance shares the server's store handle
	logger := log.New(os.Stdout, "", log.LstdFlags)
	sched := maintenance.NewScheduler(cfg.Maintenance, cfg.GetLocation(), logger)
	registerMaintenanceTasks(sched, gw.Store(), cfg, logger)
	if err := sched.Start(); err != nil {
		gw.Close()
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer sched.Stop()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		// The scheduler must finish any in-flight run before the server
		// shutdown closes the store underneath it.
		sched.Stop()
		cancel()
	}()

	// Start the server
	log.Printf("Starting Reelay Studio on port %d", cfg.Port)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Studio stopped gracefully")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
