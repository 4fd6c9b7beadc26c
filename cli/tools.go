package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolbridge/bridge"
)

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools <server>",
		Short: "Start a provider and list the operations it offers",
		Args:  cobra.ExactArgs(1),
		RunE:  runTools,
	}
	cmd.Flags().Bool("json", false, "Print full schemas as JSON")
	return cmd
}

func runTools(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.closeQuietly(cmd.ErrOrStderr())

	server := strings.TrimSpace(args[0])
	schemas, err := a.bridge.ListOperations(cmd.Context(), server)
	if err != nil {
		return bridgeExit(err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(schemas)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "OPERATION\tREQUIRED\tDESCRIPTION")
	for _, schema := range schemas {
		required := strings.Join(schema.RequiredParameters(), ",")
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", schema.Name, required, firstLine(schema.Description))
	}
	return writer.Flush()
}

// bridgeExit converts a bridge error into an ExitError with a kind-based code.
func bridgeExit(err error) error {
	var bridgeErr *bridge.Error
	if errors.As(err, &bridgeErr) {
		return exitError(exitCodeFor(bridgeErr.Kind), "%s", bridgeErr)
	}
	return exitError(exitRuntime, "%s", err)
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}
