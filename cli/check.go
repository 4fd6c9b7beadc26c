package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolbridge/bridge"
)

// NewCheckCmd creates the "check" subcommand.
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [server...]",
		Short: "Start providers, complete the handshake and discovery, then ping them",
		RunE:  runCheck,
	}
	cmd.Flags().Bool("watch", false, "Keep sessions open and ping them on the health schedule until interrupted")
	cmd.Flags().String("schedule", "", "Health schedule override, cron expression or @every (default from config)")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.closeQuietly(cmd.ErrOrStderr())

	monitor, err := newHealthMonitor(cmd, a)
	if err != nil {
		return err
	}

	servers := args
	if len(servers) == 0 {
		servers = a.bridge.Providers()
	}

	operations := make(map[string]int, len(servers))
	failures := make(map[string]error, len(servers))
	for _, server := range servers {
		schemas, err := a.bridge.ListOperations(cmd.Context(), server)
		if err != nil {
			failures[server] = err
			continue
		}
		operations[server] = len(schemas)
	}

	probes := make(map[string]bridge.HealthObservation, len(servers))
	for _, probe := range monitor.RunOnce(cmd.Context()) {
		probes[probe.Server] = probe
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tSTATUS\tOPERATIONS\tPING_MS\tERROR")
	failed := 0
	for _, server := range servers {
		if err := failures[server]; err != nil {
			failed++
			fmt.Fprintf(writer, "%s\tunhealthy\t-\t-\t%s\n", server, err)
			continue
		}
		probe, ok := probes[server]
		switch {
		case !ok:
			failed++
			fmt.Fprintf(writer, "%s\tunhealthy\t%d\t-\tsession not ready (%s)\n", server, operations[server], a.bridge.SessionState(server))
		case !probe.Healthy:
			failed++
			fmt.Fprintf(writer, "%s\tunhealthy\t%d\t%d\tping failed: %s\n", server, operations[server], probe.Duration.Milliseconds(), probe.ErrorKind)
		default:
			fmt.Fprintf(writer, "%s\thealthy\t%d\t%d\t-\n", server, operations[server], probe.Duration.Milliseconds())
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	watch, _ := cmd.Flags().GetBool("watch")
	if watch {
		if err := watchHealth(cmd, monitor); err != nil {
			return err
		}
	}
	if failed > 0 {
		return exitError(exitProvider, "%d of %d providers failed the check", failed, len(servers))
	}
	return nil
}

func newHealthMonitor(cmd *cobra.Command, a *app) (*bridge.HealthMonitor, error) {
	schedule, _ := cmd.Flags().GetString("schedule")
	if schedule == "" {
		schedule = a.cfg.HealthSchedule
	}
	monitor, err := bridge.NewHealthMonitor(bridge.HealthMonitorConfig{
		Bridge:      a.bridge,
		Schedule:    schedule,
		PingTimeout: a.cfg.HealthPingTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, exitError(exitValidation, "%s", err)
	}
	return monitor, nil
}

func watchHealth(cmd *cobra.Command, monitor *bridge.HealthMonitor) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start()
	fmt.Fprintln(cmd.ErrOrStderr(), "Watching provider health. Press Ctrl+C to stop.")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return monitor.Stop(stopCtx)
}
