package services

import (
	"log"
	"sync"
	"time"

	"github.com/akinalp/livecast/pkg/metrics"
)

// HeartbeatMonitor periodically sweeps the registry. Heartbeats get lost on
// abrupt disconnects just like membership events do, so the time-based sweep
// is the final word on liveness.
type HeartbeatMonitor interface {
	// Start launches the sweep goroutine. Calling it twice is a no-op.
	Start()

	// Stop ends the goroutine and waits for a running sweep to finish.
	Stop()
}

type heartbeatMonitor struct {
	registry StreamRegistry
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHeartbeatMonitor creates a monitor that sweeps every interval and
// expires streams silent for longer than timeout.
func NewHeartbeatMonitor(registry StreamRegistry, interval, timeout time.Duration) HeartbeatMonitor {
	return &heartbeatMonitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *heartbeatMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true

	log.Printf("[monitor] starting (interval=%s, timeout=%s)", m.interval, m.timeout)

	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				log.Println("[monitor] stopped")
				return
			}
		}
	}()
}

func (m *heartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

func (m *heartbeatMonitor) sweep() {
	expired := m.registry.Sweep(m.timeout)
	if len(expired) == 0 {
		return
	}

	metrics.StreamsExpired.Add(float64(len(expired)))
	for _, s := range expired {
		log.Printf("[monitor] expired channel=%s (last heartbeat %s ago)",
			s.ChannelName, time.Since(time.UnixMilli(s.LastHeartbeat)).Round(time.Second))
	}
}
