package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modeltest/reviewboard/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review board server",
	Long: `Start the review board HTTP server.

The server watches the report and check directories for membership
changes, stores annotations in memory, and pushes every change to all
connected review tabs.

Example usage:
  reviewboard serve                             # defaults
  reviewboard serve --addr :9000                # custom listen address
  reviewboard serve --reports-dir out/reports   # custom collections

Settings can also come from reviewboard.yaml or REVIEWBOARD_* env vars
(flags win).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog := buildLogger(viper.GetString("log-file"))
		defer closeLog()

		d := daemon.New(&daemon.Config{
			Addr:       viper.GetString("addr"),
			ReportsDir: viper.GetString("reports-dir"),
			ChecksDir:  viper.GetString("checks-dir"),
			Logger:     logger,
		})

		if err := d.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("Review board started on http://%s\n", d.Addr())
		fmt.Printf("Event stream: http://%s/events\n", d.Addr())
		fmt.Printf("Health check: http://%s/health\n", d.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := d.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Review board stopped")
		return nil
	},
}

// buildLogger returns a stderr logger, teed into a size-rotated file
// when one is configured.
func buildLogger(logFile string) (*log.Logger, func()) {
	if logFile == "" {
		return log.New(os.Stderr, "[reviewboard] ", log.LstdFlags), func() {}
	}

	rotated := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	w := io.MultiWriter(os.Stderr, rotated)
	return log.New(w, "[reviewboard] ", log.LstdFlags), func() { _ = rotated.Close() }
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8720", "Listen address")
	serveCmd.Flags().String("reports-dir", "reports", "Report collection directory")
	serveCmd.Flags().String("checks-dir", "checks", "Check collection directory")
	serveCmd.Flags().String("log-file", "", "Optional rotated log file path")

	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("reports-dir", serveCmd.Flags().Lookup("reports-dir"))
	_ = viper.BindPFlag("checks-dir", serveCmd.Flags().Lookup("checks-dir"))
	_ = viper.BindPFlag("log-file", serveCmd.Flags().Lookup("log-file"))

	rootCmd.AddCommand(serveCmd)
}
