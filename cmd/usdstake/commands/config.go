package commands

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/usdstake/internal/config"
	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/store"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	var force, interactive bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(ConfigPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", ConfigPath)
			}
			cfg := config.DefaultConfig()
			if interactive {
				ok, err := runInitForm(cfg)
				if err != nil {
					return err
				}
				if !ok {
					Warning(cmd.OutOrStdout(), "Setup cancelled, nothing written")
					return nil
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(ConfigPath); err != nil {
				return err
			}
			Success(cmd.OutOrStdout(), "Wrote "+ConfigPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	initCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Choose staking rules and backends in a form")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// keep secrets out of terminals and scrollback
			if cfg.Idempotency.RedisPassword != "" {
				cfg.Idempotency.RedisPassword = "[REDACTED]"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, validateCmd)
	return cmd
}

// runInitForm asks for the settings operators most often change and applies
// them to cfg. It reports false when the user declines the summary.
func runInitForm(cfg *config.Config) (bool, error) {
	var (
		policy  = cfg.Ledger.LockPolicy
		minLock = cfg.Ledger.MinLockPeriod
		mode    = cfg.Ledger.WithdrawalMode
		backend = cfg.Store.Backend
		listen  = cfg.API.ListenAddr
		mock    = cfg.Chain.Mock
		confirm bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Lock policy").
				Options(
					huh.NewOption("Fixed: every stake locks for the minimum period", string(ledger.LockPolicyFixed)),
					huh.NewOption("Caller: stakers choose a period of at least the minimum", string(ledger.LockPolicyCaller)),
				).
				Value(&policy),
			huh.NewInput().
				Title("Minimum lock period").
				Description("Go duration, e.g. 4320h for 180 days").
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil {
						return err
					}
					if d <= 0 {
						return fmt.Errorf("must be positive")
					}
					return nil
				}).
				Value(&minLock),
			huh.NewSelect[string]().
				Title("Withdrawals").
				Options(
					huh.NewOption("Full: release the whole position", string(ledger.WithdrawalFull)),
					huh.NewOption("Partial: release any amount up to the position", string(ledger.WithdrawalPartial)),
				).
				Value(&mode),
		),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Stake store").
				Options(
					huh.NewOption("LevelDB (survives restarts)", store.BackendLevelDB),
					huh.NewOption("Memory (lost on exit)", store.BackendMemory),
				).
				Value(&backend),
			huh.NewInput().
				Title("API listen address").
				Validate(func(s string) error {
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("expected host:port")
					}
					return nil
				}).
				Value(&listen),
			huh.NewConfirm().
				Title("Use the in-memory chain?").
				Description("Mock token, vault and a constant price feed for local testing").
				Affirmative("Mock").
				Negative("Real chain").
				Value(&mock),
		),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Write this configuration?").
				DescriptionFunc(func() string {
					chainMode := "real chain (set contract addresses before serving)"
					if mock {
						chainMode = "mock"
					}
					return strings.Join([]string{
						fmt.Sprintf("Lock:   %s, minimum %s", policy, minLock),
						fmt.Sprintf("Mode:   %s withdrawals", mode),
						fmt.Sprintf("Store:  %s", backend),
						fmt.Sprintf("API:    %s", listen),
						fmt.Sprintf("Chain:  %s", chainMode),
					}, "\n")
				}, &confirm).
				Affirmative("Write").
				Negative("Cancel").
				Value(&confirm),
		),
	).WithTheme(huh.ThemeBase())

	if err := form.Run(); err != nil {
		return false, err
	}
	if !confirm {
		return false, nil
	}

	cfg.Ledger.LockPolicy = policy
	cfg.Ledger.MinLockPeriod = minLock
	cfg.Ledger.WithdrawalMode = mode
	cfg.Store.Backend = backend
	cfg.API.ListenAddr = listen
	cfg.Chain.Mock = mock
	return true, nil
}
