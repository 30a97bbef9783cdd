package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ipguard/internal/admin"
)

func newAnalyzeCommand() *cobra.Command {
	var (
		hours  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "analyze-ip <ip>",
		Short: "Summarise the recent behaviour of an IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
				report, err := svc.AnalyzeIP(ctx, args[0], hours)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}

				if !report.Found {
					fmt.Fprintf(out, "No requests from %s in the last %d hours.\n", report.IP, report.Hours)
					return nil
				}
				fmt.Fprintf(out, "IP: %s (last %d hours)\n", report.IP, report.Hours)
				fmt.Fprintf(out, "Total requests: %d\n", report.Total)
				fmt.Fprintf(out, "Unique paths: %d\n", report.UniquePaths)
				fmt.Fprintf(out, "Requests/hour: %.2f\n", report.RatePerHour)
				fmt.Fprintf(out, "Error rate: %.2f%%\n", report.ErrorRate)
				fmt.Fprintf(out, "Sensitive path hits: %d\n", report.SensitiveHits)
				fmt.Fprintf(out, "Rate limit events: %d\n", report.RateLimitEvents)
				fmt.Fprintf(out, "First request: %s\n", report.FirstRequest.Format(time.DateTime))
				fmt.Fprintf(out, "Last request: %s\n", report.LastRequest.Format(time.DateTime))
				fmt.Fprintf(out, "Blocked: %t\n", report.Blocked)
				if report.Suspicious {
					fmt.Fprintln(out, "Suspicious:")
					for _, r := range report.Reasons {
						fmt.Fprintf(out, "  - %s\n", r)
					}
				} else {
					fmt.Fprintln(out, "Suspicious: no")
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Analysis period in hours")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func newDetectNowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect-anomalies-now",
		Short: "Run one anomaly scan immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
				summary, err := svc.RunScanNow(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if summary.Disabled {
					fmt.Fprintln(out, "Anomaly detection is disabled.")
					return nil
				}
				fmt.Fprintf(out, "Window: %s - %s\n", summary.WindowStart.Format(time.DateTime), summary.WindowEnd.Format(time.DateTime))
				fmt.Fprintf(out, "IPs scanned: %d\n", summary.IPsScanned)
				fmt.Fprintf(out, "Suspicious: %d\n", summary.Suspicious)
				fmt.Fprintf(out, "Auto-blocked: %d\n", summary.AutoBlocked)
				fmt.Fprintf(out, "Alerts: %d\n", summary.Alerts)
				if summary.Failed > 0 {
					fmt.Fprintf(out, "Failed: %d\n", summary.Failed)
				}
				for _, f := range summary.Findings {
					fmt.Fprintf(out, "  %s  %s  %s  (%d requests)\n", f.IP, f.Severity, f.Reason, f.RequestCount)
				}
				return nil
			})
		},
	}
}

func newResetSuspiciousCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-suspicious <ip>",
		Short: "Clear the suspicious findings of an IP so its severity can drop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
				n, err := svc.ResetSuspicious(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d suspicious record(s) for %s\n", n, args[0])
				return nil
			})
		},
	}
}
