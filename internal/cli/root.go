// Package cli implements deskctl, the operator command line for seeding the
// organization, administering roles and inspecting incident history.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"incidentdesk.org/internal/auth"
	"incidentdesk.org/internal/config"
	"incidentdesk.org/internal/store"
	"incidentdesk.org/internal/store/memstore"
	"incidentdesk.org/internal/store/pg"
)

// RootOptions holds global flags and the store connector shared by all
// commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	// Connect opens the configured store. Tests replace it.
	Connect func(ctx context.Context, opts *RootOptions) (*Env, error)
}

// Env is what a command runs against.
type Env struct {
	Config *config.Config
	Store  store.Store
	Close  func() error
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Connect: connect})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deskctl",
		Short: "Incident desk administration",
		Long:  "Seeds the municipal organization, assigns operational roles and inspects incident history.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newAssignCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	cmd.AddCommand(newEligibleCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// connect loads the configuration and opens its store.
func connect(_ context.Context, opts *RootOptions) (*Env, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := auth.Configure(cfg.Auth.Secret); err != nil {
		return nil, err
	}
	if cfg.Store == config.StoreMemory {
		return &Env{Config: cfg, Store: memstore.New(), Close: func() error { return nil }}, nil
	}
	st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return &Env{Config: cfg, Store: st, Close: st.Close}, nil
}

// withEnv connects, runs fn and closes the store.
func withEnv(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, env *Env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := opts.Connect(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()
	return fn(ctx, env)
}
