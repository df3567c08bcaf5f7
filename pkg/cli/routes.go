package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/getmockd/portmux/pkg/cli/internal/output"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/server"
)

var routesAll bool

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List the endpoints a configuration registers",
	Long: `Build the server described by the configuration without listening and
list its endpoints. Built-in /_portmux endpoints are shown with --all.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := server.NewServer(cfg, server.WithLogger(logging.Nop()), server.WithVersion(Version))
		if err != nil {
			return err
		}

		var list []server.RouteInfo
		for _, r := range s.Routes() {
			if !routesAll && strings.HasPrefix(r.Pattern, server.BuiltinPrefix) {
				continue
			}
			list = append(list, r)
		}

		if jsonOutput {
			if list == nil {
				list = []server.RouteInfo{}
			}
			return output.JSON(cmd.OutOrStdout(), list)
		}

		w := output.Table(cmd.OutOrStdout())
		output.Row(w, "PROTOCOL", "GROUP", "PATTERN", "PRIORITY", "SUMMARY")
		for _, r := range list {
			group := r.Group
			if group == "" {
				group = "*"
			}
			output.Row(w, r.Protocol, group, r.Pattern, strconv.Itoa(r.Priority), r.Summary)
		}
		return w.Flush()
	},
}

func init() {
	routesCmd.Flags().BoolVarP(&routesAll, "all", "a", false, "Include built-in endpoints")
	rootCmd.AddCommand(routesCmd)
}
