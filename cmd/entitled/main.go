// Command entitled runs the entitlement daemon: webhook intake, the
// entitlement API, the task worker and the periodic sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags
var Version = "dev"

var envFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "entitled",
		Short:         "Premium entitlement reconciliation daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file instead of .env")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSyncCmd(),
		newSweepCmd(),
		newReplayCmd(),
		newTasksCmd(),
		newEventsCmd(),
		newDiscountsCmd(),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withApp loads config and runs fn with a connected app. wire builds the
// providers and engine on top of storage.
func withApp(wire bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if wire {
		if err := a.wire(); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}
