// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/app"
	"github.com/JakeFAU/civic-registry-crawler/internal/config"
	"github.com/JakeFAU/civic-registry-crawler/internal/coordinator"
	"github.com/JakeFAU/civic-registry-crawler/internal/logging"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitStartup = 2
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// Harvester is the application surface the crawl command uses. Tests inject a
// fake through newApp.
type Harvester interface {
	Harvest(ctx context.Context, keys []string) (stats.Report, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...app.Option) (Harvester, error) {
	return app.New(ctx, cfg, logger, opts...)
}

// ExitError carries a non-zero process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests public-service registries from the Shenzhen civil affairs portal.",
		Long: `harvester crawls the configured registry listings (marriage registries,
elder-care institutions, rescue stations and more), normalizes every entry
and upserts it into one table per registry. Re-running is idempotent: only
new or changed entries are written.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("%w: %w", coordinator.ErrStartup, err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("%w: %w", coordinator.ErrStartup, err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "harvester.yaml", "config file")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newTargetsCmd())
	return cmd
}

// Execute runs the CLI and returns the process exit code. SIGINT and SIGTERM
// cancel a running harvest.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "harvester: %v\n", err)
	if errors.Is(err, coordinator.ErrStartup) {
		return ExitStartup
	}
	return ExitFailed
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}
