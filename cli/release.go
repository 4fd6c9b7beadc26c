package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewReleaseCmd creates the "release" subcommand.
func NewReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <server>",
		Short: "Close a provider's session; the next call starts a new process",
		Args:  cobra.ExactArgs(1),
		RunE:  runRelease,
	}
}

func runRelease(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.closeQuietly(cmd.ErrOrStderr())

	server := strings.TrimSpace(args[0])
	if err := a.bridge.ReleaseProvider(cmd.Context(), server); err != nil {
		return bridgeExit(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Released session for %q.\n", server)
	return nil
}
