// ABOUTME: Periodic health monitoring for registered connections with a
// ABOUTME: consecutive-failure threshold that forces reconnects.

package connection

import (
	"context"
	"time"
)

// StartHealthLoop begins probing every connected backend on the given
// interval. Calling it while a loop is running is a no-op.
func (m *Manager) StartHealthLoop(interval time.Duration) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	done := make(chan struct{})
	m.healthDone = done
	go m.healthLoop(ctx, interval, done)
	m.logger.Info("health loop started", "interval", interval)
}

// StopHealthLoop stops the health loop and waits for the current sweep to
// finish. Safe to call when no loop is running.
func (m *Manager) StopHealthLoop() {
	m.healthMu.Lock()
	cancel := m.healthCancel
	done := m.healthDone
	m.healthCancel = nil
	m.healthDone = nil
	m.healthMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health loop stopped")
}

func (m *Manager) healthLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every connected backend once and returns a per-id
// result map. A backend that fails healthFailureThreshold consecutive
// probes is marked reconnecting and reconnected in the background. Panics
// in a backend's probe count as failures instead of killing the sweep.
func (m *Manager) CheckHealth(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for id, conn := range m.Connections() {
		if conn.Status() != StatusConnected {
			continue
		}
		healthy := m.probe(ctx, id, conn)
		results[id] = healthy

		m.healthMu.Lock()
		if healthy {
			delete(m.failures, id)
			m.healthMu.Unlock()
			continue
		}
		m.failures[id]++
		count := m.failures[id]
		m.healthMu.Unlock()

		m.logger.Warn("health check failed",
			"connection_id", id, "consecutive_failures", count)
		if count >= healthFailureThreshold {
			m.healthMu.Lock()
			delete(m.failures, id)
			m.healthMu.Unlock()
			m.logger.Error("connection unhealthy, forcing reconnect", "connection_id", id)
			go m.Reconnect(context.WithoutCancel(ctx), id)
		}
	}
	return results
}

func (m *Manager) probe(ctx context.Context, id string, conn Connection) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panicked", "connection_id", id, "panic", r)
			healthy = false
		}
	}()
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return conn.HealthCheck(probeCtx)
}

// HealthSummary reports per-connection status plus pending failure counts,
// suitable for a status endpoint.
func (m *Manager) HealthSummary() map[string]any {
	m.healthMu.Lock()
	running := m.healthCancel != nil
	failures := make(map[string]int, len(m.failures))
	for id, n := range m.failures {
		failures[id] = n
	}
	m.healthMu.Unlock()

	conns := make(map[string]any)
	for id, conn := range m.Connections() {
		conns[id] = map[string]any{
			"name":   conn.Name(),
			"type":   string(conn.Type()),
			"status": string(conn.Status()),
			"error":  conn.ErrorMessage(),
		}
	}
	return map[string]any{
		"monitoring":  running,
		"connections": conns,
		"failures":    failures,
	}
}
