package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, id string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		data, _ := json.Marshal(Status{OSHostname: "host-" + id, RequestHostname: r.Host, UniqueID: id, SyncURL: "http://" + r.Host + "/gun"})
		_ = json.NewEncoder(w).Encode(Envelope{Status: "success", Data: data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeSource struct {
	name  string
	addrs []string
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Name() string                         { return f.name }
func (f *fakeSource) Register(context.Context, Self) error { return f.err }
func (f *fakeSource) Close() error                         { return nil }
func (f *fakeSource) Lookup(context.Context, int) ([]string, error) {
	f.calls.Add(1)
	return f.addrs, f.err
}

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1":               "10.0.0.1:9981",
		"10.0.0.1:8080":          "10.0.0.1:8080",
		"http://node-a":          "node-a:9981",
		"https://node-a:443/gun": "node-a:443",
		"[::1]":                  "[::1]:9981",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeHostPort(in, "9981"), in)
	}
	assert.Equal(t, "https://a:9981", BaseURL("https://a", 9981))
	assert.Equal(t, "http://a:1", BaseURL("a:1", 9981))
}

func TestProbeSuccess(t *testing.T) {
	srv := statusServer(t, "abc")
	st, err := (&Prober{}).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "abc", st.UniqueID)
	assert.Equal(t, srv.URL+"/gun", st.SyncURL)
}

func TestProbeRejectsNonSuccess(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Envelope{Status: "error", Error: "nope"})
	}))
	defer bad.Close()
	_, err := (&Prober{}).Probe(context.Background(), bad.URL)
	assert.ErrorIs(t, err, ErrBadStatus)

	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	_, err = (&Prober{}).Probe(context.Background(), notFound.URL)
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestDiscoverProbesAndDedupes(t *testing.T) {
	a := statusServer(t, "a")
	b := statusServer(t, "b")
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	s1 := &fakeSource{name: "one", addrs: []string{a.URL, dead.URL}}
	s2 := &fakeSource{name: "two", addrs: []string{b.URL, a.URL}}
	sc := NewScanner(nil, 2, s1, s2)

	got, err := sc.Discover(context.Background(), 9981, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.URL, got[0].URL)
	assert.Equal(t, "a", got[0].Status.UniqueID)
	assert.Equal(t, b.URL, got[1].URL)
}

func TestDiscoverSkipsFailingSource(t *testing.T) {
	a := statusServer(t, "a")
	sc := NewScanner(nil, 4,
		&fakeSource{name: "broken", err: errors.New("boom")},
		&fakeSource{name: "ok", addrs: []string{a.URL}},
	)
	got, err := sc.Discover(context.Background(), 9981, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestDiscoverFailsWhenAllSourcesFail(t *testing.T) {
	sc := NewScanner(nil, 4, &fakeSource{name: "broken", err: errors.New("boom")})
	_, err := sc.Discover(context.Background(), 9981, time.Second)
	assert.ErrorIs(t, err, ErrScanFailed)
}

func TestDiscoverEmptyIsNotAnError(t *testing.T) {
	sc := NewScanner(nil, 4, &fakeSource{name: "empty"})
	got, err := sc.Discover(context.Background(), 9981, time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegisterCombinesErrors(t *testing.T) {
	sc := NewScanner(nil, 1,
		&fakeSource{name: "x", err: errors.New("x failed")},
		&fakeSource{name: "y"},
		&fakeSource{name: "z", err: errors.New("z failed")},
	)
	err := sc.Register(context.Background(), Self{ID: "id", Host: "127.0.0.1", Port: 9981})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x failed")
	assert.Contains(t, err.Error(), "z failed")
	assert.NoError(t, sc.Close())
}

func TestStaticSource(t *testing.T) {
	got, err := StaticSource{"10.0.0.1", "http://10.0.0.2:7000"}.Lookup(context.Background(), 9981)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://10.0.0.1:9981", "http://10.0.0.2:7000"}, got)
}

func TestFileSourceReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - 10.0.0.1\n"), 0o644))

	fs, err := NewFileSource(path, nil)
	require.NoError(t, err)
	defer fs.Close()

	got, err := fs.Lookup(context.Background(), 9981)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://10.0.0.1:9981"}, got)

	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - 10.0.0.1\n  - 10.0.0.2:7000\n"), 0o644))
	require.Eventually(t, func() bool {
		got, _ := fs.Lookup(context.Background(), 9981)
		return len(got) == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestSelfBaseURL(t *testing.T) {
	assert.Equal(t, "http://10.1.2.3:9981", Self{Host: "10.1.2.3", Port: 9981}.BaseURL())
	assert.Equal(t, "http://[::1]:9981", Self{Host: "::1", Port: 9981}.BaseURL())
}
