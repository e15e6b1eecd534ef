package manager

import (
	"sync"
	"time"

	"github.com/waforge/waforge/pkg/session"
)

// Status is an instance's connection lifecycle state. It is mutated only by
// the supervisor's event handlers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRCode       Status = "qr_code"
	StatusConnected    Status = "connected"
)

// historyLimit caps the per-chat in-memory message ring.
const historyLimit = 100

// Instance is one managed messaging-account session. All mutable fields are
// guarded by mu; cross-instance operations never share state, so independent
// instances make progress in parallel.
type Instance struct {
	Name string

	mu      sync.Mutex
	status  Status
	socket  session.Socket
	removed bool

	qrCode      string
	phoneNumber string
	profileName string

	createdAt           time.Time
	lastConnected       time.Time
	lastActivity        time.Time
	lastMessageReceived time.Time

	reconnectAttempts int
	reconnectTimer    *time.Timer
	keepAliveStop     chan struct{}

	history map[string][]StoredMessage
}

func newInstance(name string, createdAt time.Time) *Instance {
	return &Instance{
		Name:      name,
		status:    StatusDisconnected,
		createdAt: createdAt,
		history:   make(map[string][]StoredMessage),
	}
}

// StoredMessage is one entry of the per-chat message ring backing the
// history operation.
type StoredMessage struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	PushName  string    `json:"pushName,omitempty"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"fromMe"`
}

// appendHistoryLocked records an inbound message, evicting the oldest entry
// once the chat's ring is full. Caller holds inst.mu.
func (inst *Instance) appendHistoryLocked(msg StoredMessage) {
	ring := inst.history[msg.Chat]
	ring = append(ring, msg)
	if len(ring) > historyLimit {
		ring = ring[len(ring)-historyLimit:]
	}
	inst.history[msg.Chat] = ring
}

// Snapshot is a point-in-time copy of an instance's observable state.
type Snapshot struct {
	Name                string     `json:"name"`
	Status              Status     `json:"status"`
	QRCode              string     `json:"qrCode,omitempty"`
	PhoneNumber         string     `json:"phoneNumber,omitempty"`
	ProfileName         string     `json:"profileName,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastConnected       *time.Time `json:"lastConnected,omitempty"`
	LastActivity        *time.Time `json:"lastActivity,omitempty"`
	LastMessageReceived *time.Time `json:"lastMessageReceived,omitempty"`
	ReconnectAttempts   int        `json:"reconnectAttempts"`
}

func (inst *Instance) snapshot() Snapshot {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Snapshot{
		Name:                inst.Name,
		Status:              inst.status,
		QRCode:              inst.qrCode,
		PhoneNumber:         inst.phoneNumber,
		ProfileName:         inst.profileName,
		CreatedAt:           inst.createdAt,
		LastConnected:       timePtr(inst.lastConnected),
		LastActivity:        timePtr(inst.lastActivity),
		LastMessageReceived: timePtr(inst.lastMessageReceived),
		ReconnectAttempts:   inst.reconnectAttempts,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// connectedSocketLocked returns the live socket when the instance is in the
// connected state. Caller holds inst.mu.
func (inst *Instance) connectedSocketLocked() (session.Socket, bool) {
	if inst.status != StatusConnected || inst.socket == nil {
		return nil, false
	}
	return inst.socket, true
}
