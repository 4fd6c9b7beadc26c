package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultHealthSchedule probes ready sessions every thirty seconds.
	DefaultHealthSchedule = "@every 30s"
	defaultPingTimeout    = 5 * time.Second
)

var healthCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseHealthSchedule parses a five-field cron expression or a descriptor
// such as "@every 1m". Timezone prefixes are rejected.
func ParseHealthSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("bridge: health schedule is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("bridge: health schedule must not carry a timezone prefix")
	}
	schedule, err := healthCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid health schedule: %w", err)
	}
	return schedule, nil
}

// HealthMonitorConfig configures a HealthMonitor.
type HealthMonitorConfig struct {
	Bridge      *Bridge
	Schedule    string
	PingTimeout time.Duration
	Logger      *slog.Logger
}

// HealthMonitor periodically pings ready sessions and degrades the ones
// whose channel no longer answers, so the next call respawns them.
type HealthMonitor struct {
	bridge      *Bridge
	schedule    cron.Schedule
	pingTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	runner *cron.Cron
}

// NewHealthMonitor creates a monitor; it does nothing until Start.
func NewHealthMonitor(cfg HealthMonitorConfig) (*HealthMonitor, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("bridge: health monitor bridge is nil")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultHealthSchedule
	}
	schedule, err := ParseHealthSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Bridge.logger
	}
	return &HealthMonitor{
		bridge:      cfg.Bridge,
		schedule:    schedule,
		pingTimeout: cfg.PingTimeout,
		logger:      cfg.Logger,
	}, nil
}

// Start begins scheduled probing. Calling Start twice is a no-op.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runner != nil {
		return
	}
	runner := cron.New(
		cron.WithParser(healthCronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	runner.Schedule(h.schedule, cron.FuncJob(func() {
		h.RunOnce(context.Background())
	}))
	runner.Start()
	h.runner = runner
}

// Stop halts probing and waits for a running probe to finish or ctx to end.
func (h *HealthMonitor) Stop(ctx context.Context) error {
	h.mu.Lock()
	runner := h.runner
	h.runner = nil
	h.mu.Unlock()
	if runner == nil {
		return nil
	}
	select {
	case <-runner.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce pings every ready session that is idle. Busy sessions are skipped:
// a call in flight already exercises the channel.
func (h *HealthMonitor) RunOnce(ctx context.Context) []HealthObservation {
	var observations []HealthObservation
	for _, session := range h.bridge.sessions.ReadySessions() {
		if !session.gate.TryLock() {
			continue
		}
		observation, probed := h.probe(ctx, session)
		session.gate.Unlock()
		if !probed {
			continue
		}
		h.bridge.observer.ObserveHealth(observation)
		observations = append(observations, observation)
	}
	return observations
}

func (h *HealthMonitor) probe(ctx context.Context, session *Session) (HealthObservation, bool) {
	conn := session.connection()
	if conn == nil || session.State() != StateReady {
		return HealthObservation{}, false
	}

	pctx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()

	start := time.Now()
	err := conn.Ping(pctx)
	observation := HealthObservation{
		Server:    session.server,
		SessionID: session.id,
		Healthy:   true,
		Duration:  time.Since(start),
	}
	if err == nil {
		return observation, true
	}

	pingErr := h.bridge.settle(session, conn, classifyCallError(err))
	if !degradesSession(pingErr) {
		// The provider answered, just not with a pong.
		h.logger.Debug("health ping rejected", "server", session.server, "error", pingErr.Message)
		return observation, true
	}
	observation.Healthy = false
	observation.ErrorKind = pingErr.Kind
	h.logger.Warn("health ping failed", "server", session.server, "session_id", session.id, "kind", pingErr.Kind, "error", pingErr.Message)
	return observation, true
}
