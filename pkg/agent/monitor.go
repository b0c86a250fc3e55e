package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 5 * time.Second

// Monitor drives the registry's poll cycle from a single ticker.
type Monitor struct {
	Registry *Registry
	Interval time.Duration
	// OnCycle, when set, observes every cycle's duration and outcome.
	OnCycle func(d time.Duration, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(r *Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{Registry: r, Interval: interval}
}

// Run polls immediately and then on every tick until ctx is cancelled or
// Stop is called. In-memory sessions are dropped on exit.
func (m *Monitor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	defer close(done)
	defer m.Registry.Reset()

	log.Info().Dur("interval", m.Interval).Msg("agent_monitor_started")
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	m.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("agent_monitor_stopped")
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	started := time.Now()
	err := m.Registry.Poll(ctx)
	if m.OnCycle != nil {
		m.OnCycle(time.Since(started), err)
	}
}

// Stop cancels a running monitor and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
