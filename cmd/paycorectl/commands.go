package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"paycore/internal/common/database"
	"paycore/internal/fees"
	"paycore/internal/orchestrator"
	"paycore/internal/provider"
	providerstore "paycore/internal/provider/store"
)

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func migrateCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL or --database-url is required")
			}
			return database.Migrate(cfg.DatabaseURL, logger())
		},
	}
}

func providersCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and configure provider rails",
	}
	cmd.AddCommand(seedCmd(cfg))
	cmd.AddCommand(listCmd(cfg))
	cmd.AddCommand(switchCmd(cfg))
	cmd.AddCommand(feesCmd(cfg))
	return cmd
}

func seedCmd(cfg *Config) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load rails, fee schedules and initial assignments from a YAML file",
		Long: `Load rails, fee schedules and initial assignments from a YAML file.

Rails are created or replaced. Assignments are only created for capabilities
that have none; use "providers switch" to move a live capability.

Example:
  paycorectl providers seed --file providers.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL or --database-url is required")
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := provider.LoadSeed(f)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			ctx := cmd.Context()
			dbCfg := database.Config{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1}
			db, err := database.New(ctx, dbCfg, logger())
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := provider.ApplySeed(ctx, providerstore.New(db), seed, "paycorectl")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "providers.yaml", "seed file")
	return cmd
}

func listCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show rails and the capabilities they serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []orchestrator.ProviderView
			if err := newAdminClient(cfg).do(cmd.Context(), http.MethodGet, "/providers", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func switchCmd(cfg *Config) *cobra.Command {
	var deactivate bool
	cmd := &cobra.Command{
		Use:   "switch <capability> <provider>",
		Short: "Make a rail the active one for a capability",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := provider.ParseCapability(args[0])
			if err != nil {
				return err
			}
			name, err := provider.ParseName(args[1])
			if err != nil {
				return err
			}
			req := orchestrator.SwitchRequest{Name: name, Capability: c, Active: !deactivate}
			var out provider.Assignment
			if err := newAdminClient(cfg).do(cmd.Context(), http.MethodPost, "/providers/switch", req, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&deactivate, "deactivate", false, "deactivate instead of activate")
	return cmd
}

func feesCmd(cfg *Config) *cobra.Command {
	var (
		rail, direction, kind, typ                 string
		value, markup, capAmt                      string
		providerValue, providerMarkup, providerCap string
		stampDuty                                  string
	)
	cmd := &cobra.Command{
		Use:   "fees",
		Short: "Replace one fee schedule of a rail",
		Long: `Replace one fee schedule of a rail.

Example:
  paycorectl providers fees --provider alphabank --direction outflow --kind transfer \
    --type percentage --value 1.5 --markup 5 --cap 200 --provider-value 0 --provider-markup 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := provider.ParseName(rail)
			if err != nil {
				return err
			}
			in := fees.ScheduleInput{Type: fees.Type(typ)}
			for _, f := range []struct {
				flag string
				raw  string
				dst  **decimal.Decimal
			}{
				{"value", value, &in.Value},
				{"markup", markup, &in.Markup},
				{"cap", capAmt, &in.Cap},
				{"provider-value", providerValue, &in.ProviderValue},
				{"provider-markup", providerMarkup, &in.ProviderMarkup},
				{"provider-cap", providerCap, &in.ProviderCap},
				{"stamp-duty", stampDuty, &in.StampDuty},
			} {
				if f.raw == "" {
					continue
				}
				d, err := decimal.NewFromString(f.raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.flag, err)
				}
				*f.dst = &d
			}
			// Validate locally before sending.
			if _, err := in.Build(); err != nil {
				return err
			}

			req := orchestrator.UpdateFeeRequest{
				Provider:  name,
				Direction: fees.Direction(direction),
				Kind:      fees.Kind(kind),
				Schedule:  in,
			}
			var out fees.Schedule
			if err := newAdminClient(cfg).do(cmd.Context(), http.MethodPut, "/providers/fees", req, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&rail, "provider", "", "rail name")
	fl.StringVar(&direction, "direction", "outflow", "inflow or outflow")
	fl.StringVar(&kind, "kind", "transfer", "transfer, airtime, data, bill or card")
	fl.StringVar(&typ, "type", "flat", "percentage or flat")
	fl.StringVar(&value, "value", "", "platform rate or flat amount")
	fl.StringVar(&markup, "markup", "", "platform markup")
	fl.StringVar(&capAmt, "cap", "", "platform fee cap")
	fl.StringVar(&providerValue, "provider-value", "", "provider rate or flat amount")
	fl.StringVar(&providerMarkup, "provider-markup", "", "provider markup")
	fl.StringVar(&providerCap, "provider-cap", "", "provider fee cap")
	fl.StringVar(&stampDuty, "stamp-duty", "", "stamp duty charged at or above the threshold")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func sweepCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile stale pending transactions and replay unprocessed webhooks now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report orchestrator.SweepReport
			if err := newAdminClient(cfg).do(cmd.Context(), http.MethodPost, "/sweep", nil, &report); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
