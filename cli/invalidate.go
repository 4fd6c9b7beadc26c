package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewInvalidateCmd creates the "invalidate" subcommand.
func NewInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <server>",
		Short: "Clear cached schemas and responses for one provider",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvalidate,
	}
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.closeQuietly(cmd.ErrOrStderr())

	server := strings.TrimSpace(args[0])
	errs := a.bridge.InvalidateCache(cmd.Context(), server)
	for _, err := range errs {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	if len(errs) > 0 {
		return bridgeExit(errors.Join(errs...))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Invalidated cache for %q.\n", server)
	return nil
}
