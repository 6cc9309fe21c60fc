package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
)

var (
	errTimestamp   = errors.New("timestamp is required and must be a string or number")
	errKeyRequired = errors.New("key is required")
	errNotFound    = errors.New("message not found")
	errPeerKnown   = errors.New("peer is self or already known")
)

const keyPrefix = "message/"

// Status is the discovery contract: siblings build their peer descriptor
// from uniqueId and syncUrl.
func (n *Node) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, discovery.Status{
		OSHostname:      n.hostname,
		RequestHostname: hostOnly(r.Host),
		UniqueID:        n.id.String(),
		SyncURL:         syncURL(r),
	})
}

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time and mesh counters.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		UniqueID string    `json:"uniqueId"`
		Hostname string    `json:"hostname"`
		Peers    int       `json:"peers"`
		Wires    int       `json:"wires"`
		Messages int       `json:"messages"`
	}
	writeJSON(w, http.StatusOK, resp{
		PID:      os.Getpid(),
		Now:      n.now(),
		UniqueID: n.id.String(),
		Hostname: n.hostname,
		Peers:    n.peers.Len(),
		Wires:    n.store.WireCount(),
		Messages: len(n.liveKeys()),
	})
}

// CreateMessage stores the body under message/<timestamp>, stamps it with
// this host's name and links it from the messages soul.
func (n *Node) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ts, err := timestampKey(body["timestamp"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := keyPrefix + ts

	fields := make(map[string]any, len(body)+1)
	for k, v := range body {
		fields[k] = v
	}
	fields["hostname"] = n.hostname
	if _, err := n.store.Put(key, fields); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if _, err := n.store.Put(mesh.MessagesSoul, map[string]any{key: map[string]string{"#": key}}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	n.log.Debug("message created", zap.String("key", key))
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// UpdateMessage replaces the given fields of a live message.
func (n *Node) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := bodyKey(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !n.isLive(key) {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}

	fields := make(map[string]any, len(body))
	for k, v := range body {
		if k != "key" {
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		if _, err := n.store.Put(key, fields); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	n.log.Debug("message updated", zap.String("key", key), zap.Int("fields", len(fields)))
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// DeleteMessage tombstones the link to key. The message soul itself is left
// in place, as every replica converges on the null link.
func (n *Node) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := bodyKey(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := n.store.Put(mesh.MessagesSoul, map[string]any{key: nil}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	n.log.Info("message removed", zap.String("key", key))
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// ListMessages returns live messages ordered by key.
func (n *Node) ListMessages(w http.ResponseWriter, _ *http.Request) {
	keys := n.liveKeys()
	out := make([]map[string]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		node, ok := n.store.Get(key)
		if !ok {
			continue
		}
		msg := map[string]json.RawMessage{"key": json.RawMessage(strconv.Quote(key))}
		for name, f := range node {
			if !f.IsNull() {
				msg[name] = f.Value
			}
		}
		out = append(out, msg)
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node) ListPeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.peers.List())
}

// AddPeer admits one descriptor by hand, under the same rules as discovery.
func (n *Node) AddPeer(w http.ResponseWriter, r *http.Request) {
	var d mesh.PeerDescriptor
	if err := decodeBody(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := d.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d.DiscoveredAt = n.now()

	admitted, err := n.peers.Admit([]mesh.PeerDescriptor{d})
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	case len(admitted) == 0:
		writeError(w, http.StatusConflict, errPeerKnown)
	default:
		writeJSON(w, http.StatusCreated, admitted[0])
	}
}

// RemovePeer detaches the peer with the sync URL given in ?url=.
func (n *Node) RemovePeer(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		writeError(w, http.StatusBadRequest, errors.New("url query parameter is required"))
		return
	}
	if !n.peers.Remove(u) {
		writeError(w, http.StatusNotFound, mesh.ErrPeerNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"syncUrl": u})
}

func (n *Node) isLive(key string) bool {
	links, ok := n.store.Get(mesh.MessagesSoul)
	if !ok {
		return false
	}
	f, ok := links[key]
	return ok && !f.IsNull()
}

func (n *Node) liveKeys() []string {
	links, _ := n.store.Get(mesh.MessagesSoul)
	keys := make([]string, 0, len(links))
	for k, f := range links {
		if !f.IsNull() {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// timestampKey accepts a JSON string or number and returns its text.
func timestampKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errTimestamp
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", errTimestamp
		}
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return "", errTimestamp
	}
	if _, err := num.Float64(); err != nil {
		return "", errTimestamp
	}
	return num.String(), nil
}

func bodyKey(body map[string]json.RawMessage) (string, error) {
	raw, ok := body["key"]
	if !ok {
		return "", errKeyRequired
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil || key == "" {
		return "", fmt.Errorf("%w: must be a non-empty string", errKeyRequired)
	}
	return key, nil
}
