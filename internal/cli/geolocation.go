package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ipguard/internal/admin"
)

func newUpdateGeolocationCommand() *cobra.Command {
	var req admin.GeoUpdateRequest

	cmd := &cobra.Command{
		Use:   "update-geolocation",
		Short: "Re-resolve geolocation data for logged requests",
		Example: `  ipguard update-geolocation --all
  ipguard update-geolocation --recent --limit 500
  ipguard update-geolocation --ip 192.0.2.10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
				result, err := svc.UpdateGeolocation(ctx, req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "IPs resolved: %d (located %d, unknown %d, failed %d)\n", result.IPs, result.Located, result.Unknown, result.Failed)
				fmt.Fprintf(out, "Records updated: %d\n", result.Records)
				if result.Cancelled {
					fmt.Fprintln(out, "Interrupted before completion.")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.IP, "ip", "", "Update a single IP")
	cmd.Flags().BoolVar(&req.Recent, "recent", false, "Re-resolve IPs seen in the last 7 days")
	cmd.Flags().BoolVar(&req.All, "all", false, "Resolve every IP still missing a location")
	cmd.Flags().IntVar(&req.Limit, "limit", 100, "Maximum number of IPs to resolve")
	cmd.MarkFlagsOneRequired("ip", "recent", "all")
	cmd.MarkFlagsMutuallyExclusive("ip", "recent", "all")
	return cmd
}
