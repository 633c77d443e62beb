package connection

import (
	"log/slog"
	"sync"
	"time"
)

// MonitorState is the heartbeat monitor's state.
type MonitorState int

const (
	MonitorIdle MonitorState = iota
	MonitorMonitoring
	MonitorTimedOut
)

var monitorStateNames = map[MonitorState]string{
	MonitorIdle:       "idle",
	MonitorMonitoring: "monitoring",
	MonitorTimedOut:   "timed_out",
}

func (s MonitorState) String() string { return monitorStateNames[s] }

// Monitor tracks heartbeat liveness for one socket. The exchange sends a
// heartbeat frame every second; if none is seen for the timeout, the
// onTimeout callback fires exactly once per episode (the supervisor wires it
// to force-close the socket). A later heartbeat starts a new episode.
type Monitor struct {
	logger *slog.Logger

	mu       sync.Mutex
	state    MonitorState
	lastSeen time.Time

	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the time source (tests).
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a heartbeat monitor in MonitorIdle.
func NewMonitor(logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the monitor state.
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnHeartbeat records a heartbeat frame. Resets a timed-out monitor back to
// monitoring, opening a new episode.
func (m *Monitor) OnHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeen = m.now()
	if m.state == MonitorTimedOut {
		m.state = MonitorMonitoring
	}
}

// Start begins liveness checks at the given interval. The monitor must be
// stopped before being started again.
func (m *Monitor) Start(interval, timeout time.Duration, onTimeout func()) {
	m.mu.Lock()
	m.state = MonitorMonitoring
	m.lastSeen = m.now()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.checkLoop(interval, timeout, onTimeout, stop, done)
}

// Stop halts the check loop and returns the monitor to MonitorIdle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == MonitorIdle {
		m.mu.Unlock()
		return
	}
	stop, done := m.stop, m.done
	m.state = MonitorIdle
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) checkLoop(interval, timeout time.Duration, onTimeout func(), stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state != MonitorMonitoring {
				m.mu.Unlock()
				continue
			}
			elapsed := m.now().Sub(m.lastSeen)
			if elapsed <= timeout {
				m.mu.Unlock()
				continue
			}
			m.state = MonitorTimedOut
			m.mu.Unlock()

			m.logger.Warn("heartbeat timeout",
				"elapsed", elapsed.Round(time.Millisecond),
				"timeout", timeout,
			)
			if onTimeout != nil {
				onTimeout()
			}
		}
	}
}
