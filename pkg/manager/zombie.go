package manager

import "time"

// zombieSweepLoop periodically scans every connected instance for sockets
// that report themselves open but have stopped receiving traffic.
func (m *Manager) zombieSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ZombieSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepZombies()
		case <-m.ctx.Done():
			return
		}
	}
}

// sweepZombies applies the zombie heuristic once across all instances and
// returns how many forced reconnects it triggered.
//
// A session that has delivered zero messages since it was paired is a much
// stronger zombie signal than one that went quiet after being active, so only
// the former is force-reconnected; the latter is merely flagged, since the
// silence may just be account inactivity.
func (m *Manager) sweepZombies() int {
	m.mu.RLock()
	all := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	m.mu.RUnlock()

	now := time.Now()
	forced := 0
	for _, inst := range all {
		inst.mu.Lock()
		status := inst.status
		lastConnected := inst.lastConnected
		lastMessage := inst.lastMessageReceived
		inst.mu.Unlock()

		if status != StatusConnected || lastConnected.IsZero() {
			continue
		}

		neverReceived := lastMessage.Before(lastConnected)
		switch {
		case neverReceived && now.Sub(lastConnected) > m.cfg.ZombieThreshold:
			m.logger.Warn("Zombie connection detected, forcing reconnect",
				"instance", inst.Name, "connected_for", now.Sub(lastConnected))
			if err := m.ReconnectInstance(inst.Name); err != nil {
				m.logger.Error("Failed to force reconnect", "instance", inst.Name, "error", err)
			} else {
				forced++
			}
		case !neverReceived && now.Sub(lastMessage) > m.cfg.ZombieThreshold:
			m.logger.Warn("Instance has gone quiet; possibly inactive account",
				"instance", inst.Name, "last_message", lastMessage)
		}
	}
	return forced
}
