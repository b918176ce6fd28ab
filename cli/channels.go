package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/nodeflow/realtime"
)

// NewChannelsCmd creates the "channels" subcommand.
func NewChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List the realtime status channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("format")
			channels := realtime.NewDefaultRegistry().Channels()
			out := cmd.OutOrStdout()

			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(channels)
			case "text":
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tNAME\tTOPIC\tNODE TYPES")
				for _, ch := range channels {
					types := make([]string, len(ch.NodeTypes))
					for i, t := range ch.NodeTypes {
						types[i] = t.String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ch.Key, ch.Name, ch.Topic, strings.Join(types, ", "))
				}
				return tw.Flush()
			default:
				return exitError(exitInputParse, "unknown format %q (use text or json)", format)
			}
		},
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}
