package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tasteknowledge/offline-cache/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	listenFlag         string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// loaded in the persistent pre-run
	cfg config.Config

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "offline-cache",
	Short: "Offline cache manager in front of the TasteKnowledge backend",
	Long: `offline-cache sits between the browser and the recipe backend.

It keeps the application shell and recently seen API data in local stores,
so that the app keeps working when the backend cannot be reached.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(); err != nil {
			return err
		}
		loaded, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		// flags win over file and environment
		if cmd.Flags().Changed("origin") {
			loaded.Origin = originFlag
		}
		if cmd.Flags().Changed("listen") {
			loaded.Listen = listenFlag
		}
		if cmd.Flags().Changed("db") {
			loaded.DB = dbFilenameFlag
		}
		cfg = loaded
		return nil
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	rootCmd.PersistentFlags().StringVar(&listenFlag, "listen", ":8080", "Address to listen on")
	rootCmd.PersistentFlags().StringVar(&dbFilenameFlag, "db", "offline-cache.db", "Store DB file name (use 'memory' for in-memory db)")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newStoresCmd())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}
