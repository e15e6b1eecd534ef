package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waforge/waforge/pkg/session"
)

func connectInstance(t *testing.T, m *Manager, dialer *fakeDialer, name string) *fakeSocket {
	t.Helper()
	_, err := m.CreateInstance(context.Background(), name)
	require.NoError(t, err)
	sock := waitSocket(t, dialer)
	sock.emit(session.OpenedEvent{})
	return sock
}

func TestSweepForcesReconnectForSilentSinceConnect(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, "")
	connectInstance(t, m, dialer, "silent")

	inst, err := m.get("silent")
	require.NoError(t, err)
	inst.mu.Lock()
	inst.lastConnected = time.Now().Add(-2 * time.Hour)
	inst.mu.Unlock()

	forced := m.sweepZombies()
	assert.Equal(t, 1, forced)

	// the forced reconnect dials a replacement socket
	waitSocket(t, dialer)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestSweepOnlyWarnsWhenQuietAfterActivity(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, "")
	connectInstance(t, m, dialer, "idle")

	inst, err := m.get("idle")
	require.NoError(t, err)
	inst.mu.Lock()
	inst.lastConnected = time.Now().Add(-3 * time.Hour)
	inst.lastMessageReceived = time.Now().Add(-2 * time.Hour)
	inst.mu.Unlock()

	assert.Equal(t, 0, m.sweepZombies(), "a once-active quiet session is not forced")
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSweepSkipsHealthyAndDisconnected(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, "")

	healthy := connectInstance(t, m, dialer, "healthy")
	healthy.emit(session.MessageEvent{
		ID: "m1", Chat: "1@s.whatsapp.net", Sender: "1@s.whatsapp.net",
		Kind: session.KindNotify, Type: "text", Timestamp: time.Now(),
	})

	down := connectInstance(t, m, dialer, "down")
	down.emit(session.ClosedEvent{Reason: "gone", Permanent: true})

	assert.Equal(t, 0, m.sweepZombies())
	assert.Equal(t, 2, dialer.dialCount())
}

func TestSweepTargetsOnlyTheZombie(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, "")

	connectInstance(t, m, dialer, "zombie")
	active := connectInstance(t, m, dialer, "active")
	active.emit(session.MessageEvent{
		ID: "m1", Chat: "2@s.whatsapp.net", Sender: "2@s.whatsapp.net",
		Kind: session.KindNotify, Type: "text", Timestamp: time.Now(),
	})

	inst, err := m.get("zombie")
	require.NoError(t, err)
	inst.mu.Lock()
	inst.lastConnected = time.Now().Add(-90 * time.Minute)
	inst.mu.Unlock()

	assert.Equal(t, 1, m.sweepZombies())
	waitSocket(t, dialer)
	assert.Equal(t, 3, dialer.dialCount())

	snapshot, err := m.GetInstance("active")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, snapshot.Status, "active instance untouched by sweep")
}
