// Package manager implements the multi-instance connection supervisor: the
// instance registry, the per-instance connection state machine, reconnection
// policy, keep-alive probing, zombie detection, and the hand-off of protocol
// events to the webhook dispatcher.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/waforge/waforge/pkg/db"
	"github.com/waforge/waforge/pkg/session"
	"github.com/waforge/waforge/pkg/webhook"
)

var (
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrInstanceExists       = errors.New("instance already exists")
	ErrInstanceNotConnected = errors.New("instance is not connected")
	ErrInvalidInstanceName  = errors.New("instance name must be lowercase alphanumeric with hyphens")
)

var instanceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Config holds the supervisor's tunables. Zero values fall back to the
// defaults the system was designed around.
type Config struct {
	SessionDir          string
	BaseReconnectDelay  time.Duration
	MaxReconnectDelay   time.Duration
	KeepAliveInterval   time.Duration
	ZombieSweepInterval time.Duration
	ZombieThreshold     time.Duration
	HistoryBatchSize    int
	HistoryBatchPause   time.Duration
	PrintQRToTerminal   bool
}

func (c *Config) applyDefaults() {
	if c.BaseReconnectDelay == 0 {
		c.BaseReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 60 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 5 * time.Minute
	}
	if c.ZombieSweepInterval == 0 {
		c.ZombieSweepInterval = 15 * time.Minute
	}
	if c.ZombieThreshold == 0 {
		c.ZombieThreshold = 60 * time.Minute
	}
	if c.HistoryBatchSize == 0 {
		c.HistoryBatchSize = 50
	}
	if c.HistoryBatchPause == 0 {
		c.HistoryBatchPause = 100 * time.Millisecond
	}
}

// Manager supervises every instance in the process. The registry map is the
// only shared structure; per-instance state is guarded by each instance's own
// mutex so one instance's handlers never block another's.
type Manager struct {
	logger     *log.Logger
	cfg        Config
	store      *db.Store
	dialer     session.Dialer
	dispatcher *webhook.Dispatcher

	mu        sync.RWMutex
	instances map[string]*Instance

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewManager(logger *log.Logger, cfg Config, store *db.Store, dialer session.Dialer, dispatcher *webhook.Dispatcher) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger,
		cfg:        cfg,
		store:      store,
		dialer:     dialer,
		dispatcher: dispatcher,
		instances:  make(map[string]*Instance),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start restores persisted instances and launches the zombie sweeper. Every
// restored instance is immediately driven towards a connection.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	records, err := m.store.ListInstances(ctx)
	if err != nil {
		return errors.Wrap(err, "listing persisted instances")
	}
	for _, rec := range records {
		inst := newInstance(rec.Name, rec.CreatedAt)
		inst.status = StatusConnecting
		m.mu.Lock()
		m.instances[rec.Name] = inst
		m.mu.Unlock()
		m.logger.Info("Restoring instance from persisted session", "instance", rec.Name)
		m.wg.Add(1)
		go func(inst *Instance) {
			defer m.wg.Done()
			m.connect(inst)
		}(inst)
	}

	m.wg.Add(1)
	go m.zombieSweepLoop()

	m.logger.Info("Instance supervisor started", "restored", len(records))
	return nil
}

// Shutdown stops all background timers and closes every session cleanly so
// credentials are persisted before exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down instance supervisor...")
	m.cancel()

	m.mu.RLock()
	all := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	m.mu.RUnlock()

	for _, inst := range all {
		inst.mu.Lock()
		m.stopTimersLocked(inst)
		sock := inst.socket
		inst.socket = nil
		inst.status = StatusDisconnected
		inst.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All supervisor goroutines stopped")
	case <-ctx.Done():
		m.logger.Warn("Context canceled while waiting for supervisor goroutines to stop")
	case <-time.After(5 * time.Second):
		m.logger.Warn("Timeout waiting for supervisor goroutines to stop")
	}
	return nil
}

// stopTimersLocked cancels any pending reconnect timer and keep-alive prober.
// Caller holds inst.mu.
func (m *Manager) stopTimersLocked(inst *Instance) {
	if inst.reconnectTimer != nil {
		inst.reconnectTimer.Stop()
		inst.reconnectTimer = nil
	}
	if inst.keepAliveStop != nil {
		close(inst.keepAliveStop)
		inst.keepAliveStop = nil
	}
}

func (m *Manager) get(name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

// CreateInstance registers a new named instance and starts driving it towards
// a connection. The returned snapshot reports status "connecting".
func (m *Manager) CreateInstance(ctx context.Context, name string) (Snapshot, error) {
	if !instanceNameRe.MatchString(name) {
		return Snapshot{}, ErrInvalidInstanceName
	}

	m.mu.Lock()
	if _, exists := m.instances[name]; exists {
		m.mu.Unlock()
		return Snapshot{}, ErrInstanceExists
	}
	inst := newInstance(name, time.Now())
	inst.status = StatusConnecting
	m.instances[name] = inst
	m.mu.Unlock()

	if err := m.store.CreateInstance(ctx, name, inst.createdAt); err != nil {
		m.mu.Lock()
		delete(m.instances, name)
		m.mu.Unlock()
		return Snapshot{}, errors.Wrap(err, "persisting instance")
	}

	m.logger.Info("Instance created", "instance", name)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect(inst)
	}()
	return inst.snapshot(), nil
}

// GetInstance returns the instance's current state.
func (m *Manager) GetInstance(name string) (Snapshot, error) {
	inst, err := m.get(name)
	if err != nil {
		return Snapshot{}, err
	}
	return inst.snapshot(), nil
}

// ListInstances returns a snapshot of every registered instance.
func (m *Manager) ListInstances() []Snapshot {
	m.mu.RLock()
	all := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.snapshot())
	}
	return out
}

// DeleteInstance removes the instance, cancels all of its background work and
// erases its persisted credentials.
func (m *Manager) DeleteInstance(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mu.Unlock()
		return m.deleteOrphaned(ctx, name)
	}
	delete(m.instances, name)
	m.mu.Unlock()

	inst.mu.Lock()
	inst.removed = true
	m.stopTimersLocked(inst)
	sock := inst.socket
	inst.socket = nil
	inst.status = StatusDisconnected
	inst.mu.Unlock()
	if sock != nil {
		sock.Close()
	}

	if err := m.store.DeleteInstance(ctx, name); err != nil {
		return errors.Wrap(err, "deleting persisted instance")
	}
	m.removeCredentials(name)
	m.logger.Info("Instance deleted", "instance", name)
	return nil
}

// deleteOrphaned erases persisted state for a name with no registry entry. A
// delete that failed after removing the registry entry but before removing
// the row leaves such an orphan behind; retrying the delete must finish the
// job instead of reporting the instance gone.
func (m *Manager) deleteOrphaned(ctx context.Context, name string) error {
	rec, err := m.store.GetInstance(ctx, name)
	if err != nil {
		return errors.Wrap(err, "checking persisted instance")
	}
	if rec == nil {
		return ErrInstanceNotFound
	}
	if err := m.store.DeleteInstance(ctx, name); err != nil {
		return errors.Wrap(err, "deleting persisted instance")
	}
	m.removeCredentials(name)
	m.logger.Info("Erased orphaned persisted instance", "instance", name)
	return nil
}

// LogoutInstance unpairs the device remotely. The instance record survives
// with its identity cleared; the persisted credentials are erased.
func (m *Manager) LogoutInstance(ctx context.Context, name string) error {
	inst, err := m.get(name)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	sock, ok := inst.connectedSocketLocked()
	inst.mu.Unlock()
	if !ok {
		return ErrInstanceNotConnected
	}

	if err := sock.Logout(ctx); err != nil {
		return errors.Wrap(err, "logging out instance")
	}
	m.handlePermanentClosure(inst, "logged out by request")
	return nil
}

// ReconnectInstance forces a fresh connection attempt, discarding the current
// socket. The zombie detector uses this same path.
func (m *Manager) ReconnectInstance(name string) error {
	inst, err := m.get(name)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	m.stopTimersLocked(inst)
	inst.status = StatusConnecting
	inst.qrCode = ""
	inst.mu.Unlock()

	m.logger.Info("Manual reconnect requested", "instance", name)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect(inst)
	}()
	return nil
}

// SendText sends a plain text message. Fails fast when the instance is not
// connected.
func (m *Manager) SendText(ctx context.Context, name, to, text string) (string, error) {
	sock, err := m.connectedSocket(name)
	if err != nil {
		return "", err
	}
	return sock.SendText(ctx, to, text)
}

// SendMedia sends a binary attachment.
func (m *Manager) SendMedia(ctx context.Context, name, to string, media session.OutboundMedia) (string, error) {
	sock, err := m.connectedSocket(name)
	if err != nil {
		return "", err
	}
	return sock.SendMedia(ctx, to, media)
}

// Groups lists the groups the instance participates in.
func (m *Manager) Groups(ctx context.Context, name string) ([]session.GroupInfo, error) {
	sock, err := m.connectedSocket(name)
	if err != nil {
		return nil, err
	}
	return sock.Groups(ctx)
}

// ProfilePicture fetches the profile picture URL of a target contact.
func (m *Manager) ProfilePicture(ctx context.Context, name, target string) (string, error) {
	sock, err := m.connectedSocket(name)
	if err != nil {
		return "", err
	}
	return sock.ProfilePictureURL(ctx, target)
}

// Messages returns up to count recent messages of one chat, oldest first.
func (m *Manager) Messages(name, chat string, count int) ([]StoredMessage, error) {
	inst, err := m.get(name)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	ring := inst.history[chat]
	if count <= 0 || count > len(ring) {
		count = len(ring)
	}
	out := make([]StoredMessage, count)
	copy(out, ring[len(ring)-count:])
	return out, nil
}

// SetWebhookURL reconfigures the delivery endpoint and persists it.
func (m *Manager) SetWebhookURL(ctx context.Context, url string) error {
	if err := m.store.SetWebhookURL(ctx, url); err != nil {
		return errors.Wrap(err, "persisting webhook URL")
	}
	m.dispatcher.SetURL(url)
	m.logger.Info("Webhook URL updated", "url", url)
	return nil
}

// WebhookURL returns the currently configured endpoint.
func (m *Manager) WebhookURL() string {
	return m.dispatcher.URL()
}

func (m *Manager) connectedSocket(name string) (session.Socket, error) {
	inst, err := m.get(name)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	sock, ok := inst.connectedSocketLocked()
	if !ok {
		return nil, ErrInstanceNotConnected
	}
	return sock, nil
}

// connect dials a fresh socket for the instance and starts the connection
// attempt. Any error on this path is treated as a transient closure so the
// reconnection policy applies uniformly.
func (m *Manager) connect(inst *Instance) {
	inst.mu.Lock()
	if inst.removed {
		inst.mu.Unlock()
		return
	}
	inst.status = StatusConnecting
	inst.qrCode = ""
	old := inst.socket
	inst.socket = nil
	inst.mu.Unlock()
	if old != nil {
		old.Close()
	}
	if m.ctx.Err() != nil {
		return
	}

	sock, err := m.dialer.Dial(m.ctx, inst.Name)
	if err != nil {
		m.logger.Error("Failed to dial session socket", "instance", inst.Name, "error", err)
		m.handleClosed(inst, session.ClosedEvent{Reason: err.Error()})
		return
	}
	// The handler is registered before the socket is installed, but a socket
	// emits nothing until Connect, which runs after the install below — so
	// the staleness guard in handleSocketEvent never drops a live event.
	sock.SetHandler(func(ev session.Event) {
		m.handleSocketEvent(inst, sock, ev)
	})

	inst.mu.Lock()
	if inst.removed {
		inst.mu.Unlock()
		sock.Close()
		return
	}
	inst.socket = sock
	inst.mu.Unlock()

	if err := sock.Connect(m.ctx); err != nil {
		m.logger.Error("Connection attempt failed", "instance", inst.Name, "error", err)
		m.handleClosed(inst, session.ClosedEvent{Reason: err.Error()})
	}
}

func (m *Manager) removeCredentials(name string) {
	if m.cfg.SessionDir == "" {
		return
	}
	dir := filepath.Join(m.cfg.SessionDir, name)
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Error("Failed to remove session credentials", "instance", name, "dir", dir, "error", err)
	} else {
		m.logger.Info("Session credentials removed", "instance", name, "dir", dir)
	}
}
