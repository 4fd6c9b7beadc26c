package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petal-labs/toolbridge/bridge"
	"github.com/petal-labs/toolbridge/bridge/mcp"
)

// TestCLIProviderHelperProcess is not a real test: it is the provider
// process the commands below spawn.
func TestCLIProviderHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_CLI_PROVIDER") != "1" {
		return
	}
	serveStubProvider()
	os.Exit(0)
}

func serveStubProvider() {
	scanner := bufio.NewScanner(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)
	calls := 0
	for scanner.Scan() {
		var req mcp.Message
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == 0 {
			continue
		}
		var (
			result any
			rpcErr *mcp.RPCError
		)
		switch req.Method {
		case "initialize":
			result = mcp.InitializeResult{ProtocolVersion: "2025-06-18", ServerInfo: mcp.ServerInfo{Name: "cli-stub", Version: "1.0.0"}}
		case "ping":
			result = map[string]any{}
		case "tools/list":
			result = mcp.ToolsListResult{Tools: []mcp.Tool{{
				Name:        "get_doc",
				Description: "Fetch a document\nby id",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"id": map[string]any{"type": "string"}},
					"required":   []any{"id"},
				},
			}}}
		case "tools/call":
			var params mcp.ToolsCallParams
			_ = json.Unmarshal(req.Params, &params)
			if params.Name != "get_doc" {
				rpcErr = &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "unknown tool: " + params.Name}
				break
			}
			calls++
			id, _ := params.Arguments["id"].(string)
			result = mcp.ToolsCallResult{
				StructuredContent: json.RawMessage(fmt.Sprintf(`{"id":%q,"pid":%d,"served":%d}`, id, os.Getpid(), calls)),
			}
		default:
			rpcErr = &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
		}
		resp := mcp.Message{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			resp.Result, _ = json.Marshal(result)
		}
		_ = encoder.Encode(resp)
	}
}

// writeStubConfig writes a toolbridge.yaml whose "docs" provider is this
// test binary and whose response cache lives in a temp SQLite file.
func writeStubConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	dir := t.TempDir()
	content := fmt.Sprintf(`cache:
  db: %q
servers:
  docs:
    command: %q
    args: ["-test.run=TestCLIProviderHelperProcess", "--"]
    env:
      GO_WANT_CLI_PROVIDER: "1"
    idempotent:
      get_doc: [id]
  missing:
    command: %q
`, filepath.Join(dir, "responses.db"), os.Args[0], filepath.Join(dir, "no-such-provider"))
	path := filepath.Join(dir, "toolbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// executeCommand runs a fresh command tree with the given args and captures stdout/stderr.
func executeCommand(args ...string) (stdout, stderr string, err error) {
	root := NewRootCmd("test")
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return exitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v (%T), want *ExitError", err, err)
	}
	return exitErr.Code
}

func decodeResult(t *testing.T, stdout string) bridge.CallResult {
	t.Helper()
	var result bridge.CallResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode call output error = %v\n%s", err, stdout)
	}
	return result
}

func TestRootHasCommands(t *testing.T) {
	root := NewRootCmd("test")
	want := []string{"providers", "tools", "call", "invalidate", "check", "release"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("root command is missing %q", name)
		}
	}
}

func TestMissingConfigExitsFileNotFound(t *testing.T) {
	_, _, err := executeCommand("providers", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if got := exitCode(t, err); got != exitFileNotFound {
		t.Fatalf("exit code = %d, want %d", got, exitFileNotFound)
	}
}

func TestProvidersListsWithoutSpawning(t *testing.T) {
	path := writeStubConfig(t)
	stdout, _, err := executeCommand("providers", "--config", path)
	if err != nil {
		t.Fatalf("providers error = %v", err)
	}
	for _, want := range []string{"NAME", "docs", "missing", "Uninitialized"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("providers output missing %q:\n%s", want, stdout)
		}
	}
}

func TestToolsListsOperations(t *testing.T) {
	path := writeStubConfig(t)
	stdout, _, err := executeCommand("tools", "docs", "--config", path)
	if err != nil {
		t.Fatalf("tools error = %v", err)
	}
	if !strings.Contains(stdout, "get_doc") || !strings.Contains(stdout, "Fetch a document") {
		t.Fatalf("tools output = %q", stdout)
	}
	if strings.Contains(stdout, "by id") {
		t.Fatalf("tools output should show only the first description line: %q", stdout)
	}
}

func TestToolsUnknownServer(t *testing.T) {
	path := writeStubConfig(t)
	_, _, err := executeCommand("tools", "nowhere", "--config", path)
	if got := exitCode(t, err); got != exitProvider {
		t.Fatalf("exit code = %d, want %d", got, exitProvider)
	}
}

func TestCallServesSecondRunFromDurableCache(t *testing.T) {
	path := writeStubConfig(t)

	stdout, _, err := executeCommand("call", "docs", "get_doc", "--params", `{"id":"a1","verbose":true}`, "--config", path)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	first := decodeResult(t, stdout)
	if !first.Success || first.ServedFromCache {
		t.Fatalf("first call = %+v, want fresh success", first)
	}

	stdout, _, err = executeCommand("call", "docs", "get_doc", "--params", `{"id":"a1","verbose":false}`, "--config", path)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	second := decodeResult(t, stdout)
	if !second.ServedFromCache {
		t.Fatalf("second call = %+v, want a cache hit", second)
	}
	if !bytes.Equal(first.Payload.Data, second.Payload.Data) {
		t.Fatalf("cached payload = %s, want %s", second.Payload.Data, first.Payload.Data)
	}

	stdout, _, err = executeCommand("call", "docs", "get_doc", "--params", `{"id":"a1"}`, "--no-cache", "--call-id", "c-1", "--config", path)
	if err != nil {
		t.Fatalf("bypass call error = %v", err)
	}
	third := decodeResult(t, stdout)
	if third.ServedFromCache || third.CallID != "c-1" {
		t.Fatalf("bypass call = %+v", third)
	}
}

func TestCallFailures(t *testing.T) {
	path := writeStubConfig(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "bad params", args: []string{"call", "docs", "get_doc", "--params", "{not json"}, code: exitInputParse},
		{name: "params not an object", args: []string{"call", "docs", "get_doc", "--params", "[1,2]"}, code: exitInputParse},
		{name: "missing params file", args: []string{"call", "docs", "get_doc", "--params-file", filepath.Join(t.TempDir(), "none.json")}, code: exitFileNotFound},
		{name: "unknown operation", args: []string{"call", "docs", "delete_doc"}, code: exitProvider},
		{name: "unregistered provider", args: []string{"call", "nowhere", "get_doc"}, code: exitProvider},
		{name: "spawn failure", args: []string{"call", "missing", "get_doc"}, code: exitProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCommand(append(tt.args, "--config", path)...)
			if got := exitCode(t, err); got != tt.code {
				t.Fatalf("exit code = %d, want %d (err = %v)", got, tt.code, err)
			}
		})
	}
}

func TestInvalidateClearsDurableCache(t *testing.T) {
	path := writeStubConfig(t)

	if _, _, err := executeCommand("call", "docs", "get_doc", "--params", `{"id":"x"}`, "--config", path); err != nil {
		t.Fatalf("call error = %v", err)
	}
	stdout, _, err := executeCommand("invalidate", "docs", "--config", path)
	if err != nil {
		t.Fatalf("invalidate error = %v", err)
	}
	if !strings.Contains(stdout, `Invalidated cache for "docs"`) {
		t.Fatalf("invalidate output = %q", stdout)
	}

	stdout, _, err = executeCommand("call", "docs", "get_doc", "--params", `{"id":"x"}`, "--config", path)
	if err != nil {
		t.Fatalf("call after invalidate error = %v", err)
	}
	if result := decodeResult(t, stdout); result.ServedFromCache {
		t.Fatalf("call after invalidate = %+v, want a fresh result", result)
	}

	_, _, err = executeCommand("invalidate", "nowhere", "--config", path)
	if got := exitCode(t, err); got != exitProvider {
		t.Fatalf("invalidate unknown exit code = %d, want %d", got, exitProvider)
	}
}

func TestCheckReportsEveryProvider(t *testing.T) {
	path := writeStubConfig(t)

	stdout, _, err := executeCommand("check", "--config", path)
	if got := exitCode(t, err); got != exitProvider {
		t.Fatalf("exit code = %d, want %d", got, exitProvider)
	}
	var docsRow string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, "docs ") {
			docsRow = line
		}
	}
	if fields := strings.Fields(docsRow); len(fields) < 4 || fields[1] != "healthy" || fields[2] != "1" || fields[3] == "-" {
		t.Fatalf("check docs row = %q, want healthy with one operation and a ping time", docsRow)
	}
	if !strings.Contains(stdout, "unhealthy") {
		t.Fatalf("check output missing unhealthy row:\n%s", stdout)
	}

	if _, _, err := executeCommand("check", "docs", "--config", path); err != nil {
		t.Fatalf("check docs error = %v", err)
	}
}

func TestReleaseCommand(t *testing.T) {
	path := writeStubConfig(t)

	stdout, _, err := executeCommand("release", "docs", "--config", path)
	if err != nil {
		t.Fatalf("release error = %v", err)
	}
	if !strings.Contains(stdout, `Released session for "docs"`) {
		t.Fatalf("release output = %q", stdout)
	}

	_, _, err = executeCommand("release", "nowhere", "--config", path)
	if got := exitCode(t, err); got != exitProvider {
		t.Fatalf("release unknown exit code = %d, want %d", got, exitProvider)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := map[bridge.ErrorKind]int{
		"":                                  exitSuccess,
		bridge.KindInvocationTimeout:        exitTimeout,
		bridge.KindHandshakeTimeout:         exitTimeout,
		bridge.KindInvalidRequest:           exitValidation,
		bridge.KindToolNotFound:             exitProvider,
		bridge.KindProviderPoisoned:         exitProvider,
		bridge.KindCacheInvalidationFailure: exitProvider,
	}
	for kind, want := range tests {
		if got := exitCodeFor(kind); got != want {
			t.Fatalf("exitCodeFor(%q) = %d, want %d", kind, got, want)
		}
	}
}
