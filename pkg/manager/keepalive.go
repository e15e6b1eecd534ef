package manager

import (
	"context"
	"time"

	"github.com/waforge/waforge/pkg/session"
)

// startKeepAlive launches the per-instance liveness prober, replacing any
// prior one so a reconnect never leaves two tickers pinging the same session.
func (m *Manager) startKeepAlive(inst *Instance) {
	inst.mu.Lock()
	if inst.keepAliveStop != nil {
		close(inst.keepAliveStop)
	}
	stop := make(chan struct{})
	inst.keepAliveStop = stop
	sock := inst.socket
	inst.mu.Unlock()

	if sock == nil {
		return
	}
	m.wg.Add(1)
	go m.keepAliveLoop(inst.Name, sock, stop)
}

// keepAliveLoop periodically announces presence on an established session to
// keep it registered as active on the remote network. Send failures are
// logged, never escalated to a reconnect by themselves.
func (m *Manager) keepAliveLoop(name string, sock session.Socket, stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			err := sock.SendPresence(ctx, true)
			cancel()
			if err != nil {
				m.logger.Warn("Keep-alive presence failed", "instance", name, "error", err)
			} else {
				m.logger.Debug("Keep-alive presence sent", "instance", name)
			}
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		}
	}
}
