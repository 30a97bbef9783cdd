package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ipguard/internal/admin"
)

func newBlockCommand() *cobra.Command {
	var (
		reason  string
		expires string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "block-ip <ip>",
		Short: "Add an IP address to the block list",
		Example: `  ipguard block-ip 192.0.2.10
  ipguard block-ip 192.0.2.10 --reason "Spam bot"
  ipguard block-ip 192.0.2.10 --expires "2025-12-31 23:59:59"
  ipguard block-ip 192.0.2.10 --expires +7d`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expiresAt, err := admin.ParseExpiry(expires, time.Now())
			if err != nil {
				return err
			}
			return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
				view, err := svc.BlockIP(ctx, admin.BlockRequest{
					IP:        args[0],
					Reason:    reason,
					ExpiresAt: expiresAt,
					Force:     force,
				})
				if errors.Is(err, admin.ErrAlreadyBlocked) {
					return fmt.Errorf("%w; use --force to update", err)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Blocked IP: %s\n", view.IP)
				fmt.Fprintf(out, "Reason: %s\n", view.Reason)
				fmt.Fprintf(out, "Created: %s\n", view.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "Expires: %s\n", formatExpiry(view.ExpiresAt))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason for blocking the IP")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry: +Nd, YYYY-MM-DD or 'YYYY-MM-DD HH:MM:SS' (UTC)")
	cmd.Flags().BoolVar(&force, "force", false, "Update the entry if the IP is already blocked")
	return cmd
}

func newUnblockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock-ip <ip>",
		Short: "Remove an IP address from the block list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
				if err := svc.UnblockIP(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unblocked IP: %s\n", args[0])
				return nil
			})
		},
	}
}

func newListBlockedCommand() *cobra.Command {
	var active, expired bool

	cmd := &cobra.Command{
		Use:   "list-blocked",
		Short: "List blocked IP addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := admin.ListAll
			switch {
			case active:
				filter = admin.ListActive
			case expired:
				filter = admin.ListExpired
			}

			return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
				entries, err := svc.ListBlocked(ctx, filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No blocked IPs found.")
					return nil
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "IP\tSTATUS\tREASON\tCREATED\tEXPIRES")
				for _, e := range entries {
					status := "active"
					if !e.Active {
						status = "expired"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.IP, status, e.Reason, e.CreatedAt.Format(time.DateTime), formatExpiry(e.ExpiresAt))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nTotal: %d\n", len(entries))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "Show only active blocks")
	cmd.Flags().BoolVar(&expired, "expired", false, "Show only expired blocks")
	cmd.MarkFlagsMutuallyExclusive("active", "expired")
	return cmd
}

func formatExpiry(at *time.Time) string {
	if at == nil {
		return "never"
	}
	return at.UTC().Format(time.DateTime)
}
