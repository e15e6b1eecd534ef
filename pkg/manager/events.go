package manager

import (
	"context"
	"encoding/base64"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/samber/lo"
	"github.com/skip2/go-qrcode"

	"github.com/waforge/waforge/pkg/media"
	"github.com/waforge/waforge/pkg/session"
	"github.com/waforge/waforge/pkg/webhook"
)

// handleSocketEvent filters the socket's event stream before it reaches the
// state machine: a socket that has been replaced by a reconnect (or nilled by
// a permanent closure) may still flush a late event, and letting it through
// would flip a freshly connected instance back into the retry path.
func (m *Manager) handleSocketEvent(inst *Instance, sock session.Socket, ev session.Event) {
	inst.mu.Lock()
	current := inst.socket
	inst.mu.Unlock()
	if current != sock {
		m.logger.Debug("Dropping event from replaced socket", "instance", inst.Name)
		return
	}
	m.handleEvent(inst, ev)
}

// handleEvent drives the per-instance connection state machine. Events from a
// single socket arrive serialized; the instance mutex makes that explicit
// against timers and command handlers.
func (m *Manager) handleEvent(inst *Instance, ev session.Event) {
	switch e := ev.(type) {
	case session.PairingCodeEvent:
		m.handlePairingCode(inst, e)
	case session.OpenedEvent:
		m.handleOpened(inst)
	case session.ClosedEvent:
		m.handleClosed(inst, e)
	case session.MessageEvent:
		m.handleMessage(inst, e)
	case session.ReceiptEvent:
		m.handleReceipt(inst, e)
	case session.PresenceEvent:
		m.handlePresence(inst, e)
	case session.HistorySyncEvent:
		m.handleHistorySync(inst, e)
	}
}

func (m *Manager) handlePairingCode(inst *Instance, ev session.PairingCodeEvent) {
	png, err := qrcode.Encode(ev.Code, qrcode.Medium, 256)
	if err != nil {
		m.logger.Error("Failed to render pairing code", "instance", inst.Name, "error", err)
		return
	}
	rendered := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	inst.mu.Lock()
	inst.status = StatusQRCode
	inst.qrCode = rendered
	inst.mu.Unlock()

	m.logger.Info("Pairing code issued", "instance", inst.Name)
	if m.cfg.PrintQRToTerminal {
		qrterminal.GenerateHalfBlock(ev.Code, qrterminal.L, os.Stdout)
	}

	m.dispatcher.Deliver(m.ctx, webhook.EventQRCodeUpdated, map[string]interface{}{
		"instance": inst.Name,
		"qrcode":   rendered,
		"code":     ev.Code,
	})
}

func (m *Manager) handleOpened(inst *Instance) {
	now := time.Now()

	inst.mu.Lock()
	phone, pushName := "", ""
	if inst.socket != nil {
		phone, pushName = inst.socket.SelfID()
	}
	inst.status = StatusConnected
	inst.qrCode = ""
	inst.phoneNumber = phone
	inst.profileName = pushName
	inst.lastConnected = now
	inst.lastActivity = now
	inst.reconnectAttempts = 0
	sock := inst.socket
	inst.mu.Unlock()

	m.logger.Info("Instance connected", "instance", inst.Name, "phone", phone, "profile", pushName)

	jid := ""
	if phone != "" {
		jid = phone + "@s.whatsapp.net"
	}
	if err := m.store.SetInstanceIdentity(m.ctx, inst.Name, jid, phone, pushName); err != nil {
		m.logger.Error("Failed to persist instance identity", "instance", inst.Name, "error", err)
	}

	m.startKeepAlive(inst)

	// Announce availability so the remote network registers the session as
	// active; the keep-alive prober repeats this signal.
	if sock != nil {
		ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
		if err := sock.SendPresence(ctx, true); err != nil {
			m.logger.Warn("Failed to announce presence", "instance", inst.Name, "error", err)
		}
		cancel()
	}

	m.dispatcher.Deliver(m.ctx, webhook.EventConnectionUpdate, map[string]interface{}{
		"instance": inst.Name,
		"state":    "open",
	})
}

func (m *Manager) handleClosed(inst *Instance, ev session.ClosedEvent) {
	if ev.Permanent {
		m.handlePermanentClosure(inst, ev.Reason)
		return
	}

	inst.mu.Lock()
	if inst.removed {
		inst.mu.Unlock()
		return
	}
	inst.status = StatusConnecting
	// any pairing code died with the connection that issued it
	inst.qrCode = ""
	if inst.keepAliveStop != nil {
		close(inst.keepAliveStop)
		inst.keepAliveStop = nil
	}
	inst.mu.Unlock()

	m.logger.Warn("Connection closed, will retry", "instance", inst.Name, "reason", ev.Reason)
	m.dispatcher.Deliver(m.ctx, webhook.EventConnectionUpdate, map[string]interface{}{
		"instance": inst.Name,
		"state":    "close",
		"reason":   ev.Reason,
	})

	m.scheduleReconnect(inst)
}

// handlePermanentClosure terminates the session for good: identity and
// pairing fields are cleared and the persisted credentials erased, since they
// are unusable and would only produce confusing re-pairing attempts.
func (m *Manager) handlePermanentClosure(inst *Instance, reason string) {
	inst.mu.Lock()
	m.stopTimersLocked(inst)
	inst.status = StatusDisconnected
	inst.qrCode = ""
	inst.phoneNumber = ""
	inst.profileName = ""
	inst.reconnectAttempts = 0
	sock := inst.socket
	inst.socket = nil
	inst.mu.Unlock()
	if sock != nil {
		sock.Close()
	}

	m.logger.Warn("Session permanently closed", "instance", inst.Name, "reason", reason)

	if err := m.store.ClearInstanceIdentity(m.ctx, inst.Name); err != nil {
		m.logger.Error("Failed to clear instance identity", "instance", inst.Name, "error", err)
	}
	m.removeCredentials(inst.Name)

	m.dispatcher.Deliver(m.ctx, webhook.EventConnectionUpdate, map[string]interface{}{
		"instance":  inst.Name,
		"state":     "close",
		"reason":    reason,
		"loggedOut": true,
	})
}

// scheduleReconnect arms the single pending reconnect timer for the instance
// with exponentially growing delay. The counter resets on a successful open,
// so backoff growth is scoped to one continuous outage.
func (m *Manager) scheduleReconnect(inst *Instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.removed || inst.reconnectTimer != nil {
		return
	}

	delay := reconnectDelay(m.cfg.BaseReconnectDelay, m.cfg.MaxReconnectDelay, inst.reconnectAttempts)
	inst.reconnectAttempts++
	m.logger.Info("Scheduling reconnect", "instance", inst.Name,
		"attempt", inst.reconnectAttempts, "delay", delay)

	inst.reconnectTimer = time.AfterFunc(delay, func() {
		inst.mu.Lock()
		inst.reconnectTimer = nil
		removed := inst.removed
		inst.mu.Unlock()
		if removed || m.ctx.Err() != nil {
			return
		}
		m.connect(inst)
	})
}

// reconnectDelay computes min(base * 2^attempt, max).
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt >= 63 {
		return max
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func (m *Manager) handleMessage(inst *Instance, ev session.MessageEvent) {
	now := time.Now()
	inst.mu.Lock()
	inst.lastActivity = now
	if !ev.FromMe && ev.Kind == session.KindNotify {
		inst.lastMessageReceived = now
	}
	inst.appendHistoryLocked(StoredMessage{
		ID:        ev.ID,
		Chat:      ev.Chat,
		Sender:    ev.Sender,
		PushName:  ev.PushName,
		Type:      ev.Type,
		Text:      ev.Text,
		Timestamp: ev.Timestamp,
		FromMe:    ev.FromMe,
	})
	sock := inst.socket
	inst.mu.Unlock()

	payload := m.messagePayload(inst.Name, sock, ev)
	m.dispatcher.Deliver(m.ctx, webhook.EventMessagesUpsert, payload)
}

func (m *Manager) messagePayload(name string, sock session.Socket, ev session.MessageEvent) map[string]interface{} {
	payload := map[string]interface{}{
		"instance":  name,
		"messageId": ev.ID,
		"chat":      ev.Chat,
		"sender":    ev.Sender,
		"kind":      string(ev.Kind),
		"type":      ev.Type,
		"fromMe":    ev.FromMe,
		"timestamp": ev.Timestamp,
	}
	if ev.PushName != "" {
		payload["pushName"] = ev.PushName
	}
	if ev.Text != "" {
		payload["text"] = ev.Text
	}

	if phone, ok := resolveSenderPhone(sock, ev); ok {
		payload["senderPhone"] = phone
	}

	if ev.Media != nil {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		extracted, err := media.Extract(ctx, ev.Media)
		cancel()
		if err != nil {
			// Extraction failures degrade the event; the message still goes out.
			m.logger.Error("Media extraction failed", "instance", name,
				"message", ev.ID, "kind", ev.Media.Kind, "error", err)
		} else {
			payload["media"] = extracted
		}
	}
	return payload
}

// resolveSenderPhone maps an anonymized sender identifier to a phone number
// when the socket offers the optional resolution capability. Absence of the
// capability or of a mapping is not an error.
func resolveSenderPhone(sock session.Socket, ev session.MessageEvent) (string, bool) {
	if ev.SenderAlt != "" {
		return ev.SenderAlt, true
	}
	resolver, ok := sock.(session.AliasResolver)
	if !ok {
		return "", false
	}
	return resolver.ResolveAlias(ev.Sender)
}

func (m *Manager) handleReceipt(inst *Instance, ev session.ReceiptEvent) {
	inst.mu.Lock()
	inst.lastActivity = time.Now()
	inst.mu.Unlock()

	m.dispatcher.Deliver(m.ctx, webhook.EventMessagesUpdate, map[string]interface{}{
		"instance":   inst.Name,
		"messageIds": ev.MessageIDs,
		"chat":       ev.Chat,
		"sender":     ev.Sender,
		"status":     ev.Type,
		"timestamp":  ev.Timestamp,
	})
}

func (m *Manager) handlePresence(inst *Instance, ev session.PresenceEvent) {
	inst.mu.Lock()
	inst.lastActivity = time.Now()
	inst.mu.Unlock()

	payload := map[string]interface{}{
		"instance":    inst.Name,
		"from":        ev.From,
		"unavailable": ev.Unavailable,
	}
	if !ev.LastSeen.IsZero() {
		payload["lastSeen"] = ev.LastSeen
	}
	m.dispatcher.Deliver(m.ctx, webhook.EventPresenceUpdate, payload)
}

// handleHistorySync forwards backfilled messages in order, in bounded batches
// with a short pause between them to avoid overloading the consumer.
func (m *Manager) handleHistorySync(inst *Instance, ev session.HistorySyncEvent) {
	if len(ev.Messages) == 0 {
		return
	}
	inst.mu.Lock()
	inst.lastActivity = time.Now()
	inst.mu.Unlock()

	m.logger.Info("Forwarding history sync", "instance", inst.Name, "messages", len(ev.Messages))

	batches := lo.Chunk(ev.Messages, m.cfg.HistoryBatchSize)
	for i, batch := range batches {
		if i > 0 {
			select {
			case <-time.After(m.cfg.HistoryBatchPause):
			case <-m.ctx.Done():
				return
			}
		}
		messages := lo.Map(batch, func(msg session.MessageEvent, _ int) map[string]interface{} {
			return map[string]interface{}{
				"messageId": msg.ID,
				"chat":      msg.Chat,
				"sender":    msg.Sender,
				"type":      msg.Type,
				"text":      msg.Text,
				"fromMe":    msg.FromMe,
				"timestamp": msg.Timestamp,
			}
		})
		m.dispatcher.Deliver(m.ctx, webhook.EventMessagesUpsert, map[string]interface{}{
			"instance": inst.Name,
			"kind":     string(session.KindHistory),
			"messages": messages,
		})
	}
}
