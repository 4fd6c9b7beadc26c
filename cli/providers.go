package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewProvidersCmd creates the "providers" subcommand.
func NewProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured providers without starting them",
		Args:  cobra.NoArgs,
		RunE:  runProviders,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func runProviders(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.closeQuietly(cmd.ErrOrStderr())

	asJSON, _ := cmd.Flags().GetBool("json")
	statuses := a.bridge.ListProviders()
	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(statuses)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tTRANSPORT\tCOMMAND\tSTATE\tPOISONED")
	for _, status := range statuses {
		desc, _ := a.bridge.Descriptor(status.Name)
		command := strings.TrimSpace(strings.Join(append([]string{desc.Command}, desc.Args...), " "))
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\n", status.Name, status.Transport, command, status.State, status.Poisoned)
	}
	return writer.Flush()
}
