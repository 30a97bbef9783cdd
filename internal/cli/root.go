// Package cli provides the ipguard command line: the server and the operator commands.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ipguard/internal/admin"
	"ipguard/internal/app"
	"ipguard/internal/app/version"
)

// openAdmin bootstraps the components an operator command needs. Tests replace it.
var openAdmin = func(ctx context.Context) (*admin.Service, func(), error) {
	services, err := app.Bootstrap(ctx)
	if err != nil {
		return nil, nil, err
	}
	return services.Admin, services.Close, nil
}

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:   "ipguard",
		Short: "ipguard - request inspection, rate limiting and IP anomaly detection",
		Long: `ipguard sits in front of an HTTP application, blocks blacklisted IPs,
rate limits clients and periodically scans the request log for suspicious
behaviour, auto-blocking and alerting on offenders.`,
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.LoadEnvironment(debug)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newServeCommand(),
		newBlockCommand(),
		newUnblockCommand(),
		newListBlockedCommand(),
		newAnalyzeCommand(),
		newDetectNowCommand(),
		newDetectionConfigCommand(),
		newResetSuspiciousCommand(),
		newUpdateGeolocationCommand(),
	)
	return root
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// withAdmin runs fn against a bootstrapped admin service and releases it afterwards.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, svc *admin.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, svc)
}
