// Package session defines the contract the supervisor consumes from the
// underlying messaging network: an opaque authenticated socket with an
// asynchronous event stream. The production implementation is backed by
// whatsmeow; tests substitute fakes.
package session

import (
	"context"
	"time"
)

// Socket is one authenticated connection to the messaging network. A socket
// handle is single-use: once closed it is discarded, never reconnected.
type Socket interface {
	// Connect starts the connection attempt. Progress is reported through
	// the handler registered with SetHandler.
	Connect(ctx context.Context) error
	// Close tears the connection down without unpairing the device.
	Close()
	// Logout unpairs the device remotely and tears the connection down.
	Logout(ctx context.Context) error

	Connected() bool
	LoggedIn() bool

	// SelfID reports the authenticated account's phone number and profile
	// name. Only meaningful after the connection has opened.
	SelfID() (phone string, pushName string)

	SendText(ctx context.Context, to string, text string) (string, error)
	SendMedia(ctx context.Context, to string, media OutboundMedia) (string, error)
	SendPresence(ctx context.Context, available bool) error

	ProfilePictureURL(ctx context.Context, target string) (string, error)
	Groups(ctx context.Context) ([]GroupInfo, error)

	// SetHandler registers the event callback. Must be called before
	// Connect. Events from one socket are delivered serially.
	SetHandler(fn func(Event))
}

// AliasResolver is an optional capability a Socket may implement to map an
// anonymized participant identifier to a real phone number. Callers treat
// absence of the capability, or a false return, as "no resolution available".
type AliasResolver interface {
	ResolveAlias(id string) (phone string, ok bool)
}

// Dialer produces a fresh Socket for the named instance, loading any
// persisted credentials for that name.
type Dialer interface {
	Dial(ctx context.Context, name string) (Socket, error)
}

// Event is one item of a socket's serialized event stream. Concrete types:
// PairingCodeEvent, OpenedEvent, ClosedEvent, MessageEvent, ReceiptEvent,
// PresenceEvent, HistorySyncEvent.
type Event interface{}

// PairingCodeEvent carries a fresh pairing code for an unauthenticated
// session. A new event replaces any previous code.
type PairingCodeEvent struct {
	Code string
}

// OpenedEvent signals the connection is established and authenticated.
type OpenedEvent struct{}

// ClosedEvent signals the connection is gone. Permanent closures (remote
// unpairing, banned account) must not be retried; everything else is
// transient.
type ClosedEvent struct {
	Reason    string
	Permanent bool
}

// MessageKind labels inbound message batches the way the network does:
// live notifications, appended own-device messages, and history backfill.
type MessageKind string

const (
	KindNotify  MessageKind = "notify"
	KindAppend  MessageKind = "append"
	KindHistory MessageKind = "history"
)

// MessageEvent is one inbound chat message.
type MessageEvent struct {
	ID        string
	Chat      string
	Sender    string
	SenderAlt string
	PushName  string
	Kind      MessageKind
	Type      string
	Text      string
	Timestamp time.Time
	FromMe    bool
	Media     *MediaRef
}

// MediaRef describes a binary attachment carried by a message. Download
// streams and decrypts the full payload.
type MediaRef struct {
	Kind     string
	Mimetype string
	Filename string
	Download func(ctx context.Context) ([]byte, error)
}

// ReceiptEvent reports delivery/read status updates for earlier messages.
type ReceiptEvent struct {
	MessageIDs []string
	Chat       string
	Sender     string
	Type       string
	Timestamp  time.Time
}

// PresenceEvent reports a contact going online or offline.
type PresenceEvent struct {
	From        string
	Unavailable bool
	LastSeen    time.Time
}

// HistorySyncEvent carries a batch of backfilled messages delivered after
// pairing.
type HistorySyncEvent struct {
	Messages []MessageEvent
}

// OutboundMedia is an attachment to send.
type OutboundMedia struct {
	Kind     string
	Data     []byte
	Mimetype string
	Caption  string
	Filename string
}

// GroupInfo is the subset of group metadata the command surface exposes.
type GroupInfo struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}
