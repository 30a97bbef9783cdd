package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ipguard/internal/admin"
	"ipguard/internal/config"
)

func newDetectionConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detection-config",
		Short: "Show or replace the anomaly detection ruleset",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the active ruleset as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(_ context.Context, svc *admin.Service) error {
				return printJSON(cmd, svc.DetectionConfig())
			})
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Validate and install a ruleset from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			var dc config.DetectionConfig
			if err := json.Unmarshal(data, &dc); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withAdmin(cmd, func(_ context.Context, svc *admin.Service) error {
				applied, err := svc.SetDetectionConfig(dc)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Detection config updated.")
				return printJSON(cmd, applied)
			})
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "JSON file holding the ruleset")
	_ = set.MarkFlagRequired("file")

	cmd.AddCommand(get, set)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
