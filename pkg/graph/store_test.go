package graph

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServedStore(t *testing.T) (*Store, string) {
	t.Helper()
	s, err := Open(Options{ReconnectMin: 20 * time.Millisecond, ReconnectMax: 100 * time.Millisecond})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		srv.Close()
	})
	return s, srv.URL + "/gun"
}

func hasValue(s *Store, soul, field, want string) bool {
	n, ok := s.Get(soul)
	if !ok {
		return false
	}
	f, ok := n[field]
	return ok && string(f.Value) == want
}

func TestPutReplicatesBothDirections(t *testing.T) {
	a, _ := newServedStore(t)
	b, bURL := newServedStore(t)

	require.NoError(t, a.Peers().Add(bURL))
	require.Eventually(t, func() bool { return a.Peers().Connected(bURL) }, 2*time.Second, 10*time.Millisecond)

	_, err := a.Put("message/1", map[string]any{"content": "from-a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hasValue(b, "message/1", "content", `"from-a"`) },
		2*time.Second, 10*time.Millisecond)

	// b reaches a over the inbound side of the same wire.
	_, err = b.Put("message/2", map[string]any{"content": "from-b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hasValue(a, "message/2", "content", `"from-b"`) },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectSyncsExistingState(t *testing.T) {
	a, _ := newServedStore(t)
	b, bURL := newServedStore(t)

	_, err := b.Put("message/old", map[string]any{"content": "before-link"})
	require.NoError(t, err)

	require.NoError(t, a.Peers().Add(bURL))
	require.Eventually(t, func() bool { return hasValue(a, "message/old", "content", `"before-link"`) },
		2*time.Second, 10*time.Millisecond)
}

func TestPutRelaysThroughMiddleNode(t *testing.T) {
	a, _ := newServedStore(t)
	b, bURL := newServedStore(t)
	c, cURL := newServedStore(t)

	require.NoError(t, a.Peers().Add(bURL))
	require.NoError(t, b.Peers().Add(cURL))
	require.Eventually(t, func() bool {
		return a.Peers().Connected(bURL) && b.Peers().Connected(cURL)
	}, 2*time.Second, 10*time.Millisecond)

	_, err := a.Put("message/hop", map[string]any{"content": "relayed"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hasValue(c, "message/hop", "content", `"relayed"`) },
		2*time.Second, 10*time.Millisecond)
}

func TestPeersAddIsIdempotent(t *testing.T) {
	a, _ := newServedStore(t)
	_, bURL := newServedStore(t)

	require.NoError(t, a.Peers().Add(bURL, bURL))
	require.NoError(t, a.Peers().Add(bURL))
	assert.Equal(t, []string{bURL}, a.Peers().URLs())
}

func TestRemoveUnknownPeer(t *testing.T) {
	a, _ := newServedStore(t)
	assert.ErrorIs(t, a.Peers().Remove("http://nonexistent/gun"), ErrPeerNotFound)
}

func TestRemoveClosesWire(t *testing.T) {
	a, _ := newServedStore(t)
	b, bURL := newServedStore(t)

	require.NoError(t, a.Peers().Add(bURL))
	require.Eventually(t, func() bool { return a.Peers().Connected(bURL) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Peers().Remove(bURL))
	assert.Empty(t, a.Peers().URLs())
	require.Eventually(t, func() bool { return b.WireCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, a.Peers().Remove(bURL), ErrPeerNotFound)
}

func TestRemoveCancelsPendingReconnect(t *testing.T) {
	s, err := Open(Options{ReconnectMin: time.Hour, ReconnectMax: time.Hour})
	require.NoError(t, err)
	defer s.Close()

	// Nothing listens here, so the first dial fails and a retry is armed.
	dead := httptest.NewServer(nil)
	deadURL := dead.URL + "/gun"
	dead.Close()

	require.NoError(t, s.Peers().Add(deadURL))
	require.Eventually(t, func() bool { return s.Peers().pendingRetry(deadURL) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Peers().Remove(deadURL))
	assert.False(t, s.Peers().pendingRetry(deadURL))
}

func TestAddAfterClose(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Peers().Add("http://x/gun"), ErrClosed)
}

func TestBackoff(t *testing.T) {
	p := newPeers(nil, 100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.backoff(3))
	assert.Equal(t, time.Second, p.backoff(4))
	assert.Equal(t, time.Second, p.backoff(50))
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.2:9981/gun", wsURL("http://10.0.0.2:9981/gun"))
	assert.Equal(t, "wss://mesh.local/gun", wsURL("https://mesh.local/gun"))
	assert.Equal(t, "ws://already/gun", wsURL("ws://already/gun"))
}
