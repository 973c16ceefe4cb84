package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bridgenet/guard-node/config"
	"github.com/bridgenet/guard-node/guard"
)

// Set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = ""
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".guardd"
	}
	return home + "/.guardd"
}

func initCmd() *cobra.Command {
	var home string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the guard home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s/config/guard_config.json\n", home)
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", defaultHome(), "guard home directory")
	return cmd
}

func startCmd() *cobra.Command {
	var home string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the guard node",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Local overrides (keys mostly) may live in a .env next to the binary.
			_ = godotenv.Load()

			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if key := os.Getenv("GUARD_PRIVATE_KEY"); key != "" {
				cfg.GuardPrivateKeyHex = key
			}

			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			node, err := guard.NewNode(ctx, cfg, guard.Options{}, log)
			if err != nil {
				return err
			}
			if err := node.Start(ctx); err != nil {
				node.Stop()
				return err
			}

			<-ctx.Done()
			log.Info().Msg("shutting down")
			node.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", defaultHome(), "guard home directory")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print guardd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", Version)
			if Commit != "" {
				fmt.Printf("Commit:  %s\n", Commit)
			}
		},
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level := zerolog.Level(cfg.LogLevel)
	if cfg.LogFormat == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Logger()
}
