package cli

import (
	"github.com/spf13/cobra"

	"ipguard/internal/app"
)

func newServeCommand() *cobra.Command {
	var (
		proxyPort int
		adminPort int
		upstream  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the protected server, the admin API and the background jobs",
		Long: `Start the inspection proxy and the admin API.

Without --upstream (or UPSTREAM_URL) a built-in demo application is served
behind the inspection middleware.

Example:
  ipguard serve
  ipguard serve --upstream http://localhost:3000 --proxy-port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.DefaultServeOptions()
			if cmd.Flags().Changed("proxy-port") {
				opts.ProxyPort = proxyPort
			}
			if cmd.Flags().Changed("admin-port") {
				opts.AdminPort = adminPort
			}
			if cmd.Flags().Changed("upstream") {
				opts.Upstream = upstream
			}
			return app.Serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&proxyPort, "proxy-port", 8080, "Port of the protected server (PROXY_PORT)")
	cmd.Flags().IntVar(&adminPort, "admin-port", 8081, "Port of the admin API (ADMIN_PORT)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Reverse proxy target (UPSTREAM_URL)")
	return cmd
}
