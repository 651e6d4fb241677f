package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/twinstack/loom/internal/cmd/client"
	serverrun "github.com/twinstack/loom/internal/cmd/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom temporal orchestration CLI",
		Long:  "Loom schedules data units, joins their streams over time and manages uploads. This CLI runs the server and basic operations against it.",
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the loom server",
		Aliases: []string{"server"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			httpAddr, _ := cmd.Flags().GetString("http")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				ConfigPath: configPath,
				HTTPAddr:   httpAddr,
				DataDir:    dataDir,
				LogLevel:   logLevel,
				LogFormat:  logFormat,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serveCmd.Flags().String("config", os.Getenv("LOOM_CONFIG"), "Config file (JSON or YAML)")
	serveCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serveCmd.Flags().String("log-level", os.Getenv("LOOM_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serveCmd.Flags().String("log-format", os.Getenv("LOOM_LOG_FORMAT"), "Log format: text|json (default text)")
	rootCmd.AddCommand(serveCmd)

	clientcmd.AddCommands(rootCmd, clientcmd.APIURLFromEnv)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
