package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolbridge/bridge"
)

// NewCallCmd creates the "call" subcommand.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <server> <operation>",
		Short: "Invoke one operation and print the normalized result",
		Args:  cobra.ExactArgs(2),
		RunE:  runCall,
	}
	cmd.Flags().String("params", "", "Inline JSON object of parameters")
	cmd.Flags().String("params-file", "", "Path to a JSON file of parameters")
	cmd.Flags().Duration("timeout", 0, "Per-call timeout (default: provider or bridge default)")
	cmd.Flags().Bool("no-cache", false, "Skip the response cache lookup")
	cmd.Flags().String("call-id", "", "Correlation ID reported in logs and the result")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	params, err := resolveParams(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.closeQuietly(cmd.ErrOrStderr())

	var opts []bridge.CallOption
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts = append(opts, bridge.WithTimeout(timeout))
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		opts = append(opts, bridge.WithBypassCache())
	}
	if callID, _ := cmd.Flags().GetString("call-id"); strings.TrimSpace(callID) != "" {
		opts = append(opts, bridge.WithCallID(strings.TrimSpace(callID)))
	}

	result := a.bridge.Invoke(cmd.Context(), strings.TrimSpace(args[0]), strings.TrimSpace(args[1]), params, opts...)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return exitError(exitRuntime, "writing result: %s", err)
	}
	if !result.Success {
		return exitError(exitCodeFor(result.Error.Kind), "%s", result.Error)
	}
	return nil
}

func resolveParams(cmd *cobra.Command) (map[string]any, error) {
	inline, _ := cmd.Flags().GetString("params")
	file, _ := cmd.Flags().GetString("params-file")
	if inline != "" && file != "" {
		return nil, exitError(exitValidation, "--params and --params-file are mutually exclusive")
	}

	data := []byte(inline)
	source := "--params"
	if file != "" {
		// #nosec G304 -- path comes from an explicit flag.
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, exitError(exitFileNotFound, "reading params file %q: %s", file, err)
		}
		data = raw
		source = file
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var params map[string]any
	if err := decoder.Decode(&params); err != nil {
		return nil, exitError(exitInputParse, "parsing %s: %s", source, err)
	}
	if params == nil {
		return nil, exitError(exitInputParse, "parsing %s: parameters must be a JSON object", source)
	}
	return params, nil
}
