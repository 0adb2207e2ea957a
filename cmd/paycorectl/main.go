package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
)

var Version = "dev"

// Config holds CLI configuration. Flags override the environment.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL"`
	APIURL      string `envconfig:"PAYCORE_API_URL" default:"http://localhost:8080"`
	AdminToken  string `envconfig:"ADMIN_TOKEN"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "paycorectl",
		Short:         "Operate a paycore deployment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres URL (DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&cfg.APIURL, "api", cfg.APIURL, "paycore base URL (PAYCORE_API_URL)")
	rootCmd.PersistentFlags().StringVar(&cfg.AdminToken, "token", cfg.AdminToken, "admin bearer token (ADMIN_TOKEN)")

	rootCmd.AddCommand(migrateCmd(&cfg))
	rootCmd.AddCommand(providersCmd(&cfg))
	rootCmd.AddCommand(sweepCmd(&cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
