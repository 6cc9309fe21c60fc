package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
)

var (
	ErrClosed       = errors.New("graph store closed")
	ErrPeerNotFound = errors.New("peer not found")
)

const defaultSeenSize = 4096

type Options struct {
	// Dir holds graph.db. Empty keeps the graph in memory only.
	Dir          string
	Logger       *zap.Logger
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SeenSize     int
}

// Store is a graph plus the wires that replicate it.
type Store struct {
	graph *Graph
	log   *zap.Logger
	seen  *lru.Cache[string, struct{}]
	peers *Peers

	upgrader websocket.Upgrader

	mu     sync.Mutex
	wires  map[*wire]struct{}
	closed bool
}

// Open loads persisted state from opts.Dir and returns a store with an empty
// peer list.
func Open(opts Options) (*Store, error) {
	if opts.SeenSize <= 0 {
		opts.SeenSize = defaultSeenSize
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * opts.ReconnectMin
	}
	seen, err := lru.New[string, struct{}](opts.SeenSize)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}

	var p persister
	if opts.Dir != "" {
		sp, err := openSQLite(opts.Dir)
		if err != nil {
			return nil, err
		}
		p = sp
	}

	s := &Store{
		graph: newGraph(p),
		log:   logging.OrNop(opts.Logger).Named("graph"),
		seen:  seen,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		wires: make(map[*wire]struct{}),
	}
	if p != nil {
		nodes, err := p.load()
		if err != nil {
			_ = p.close()
			return nil, err
		}
		s.graph.load(nodes)
		s.log.Info("graph loaded", zap.String("dir", opts.Dir), zap.Int("souls", len(nodes)))
	}
	s.peers = newPeers(s, opts.ReconnectMin, opts.ReconnectMax)
	return s, nil
}

// Graph exposes the underlying graph for reads and subscriptions.
func (s *Store) Graph() *Graph { return s.graph }

// Peers is the list of sync URLs this store actively dials.
func (s *Store) Peers() *Peers { return s.peers }

// Get returns a copy of soul's node.
func (s *Store) Get(soul string) (Node, bool) { return s.graph.Get(soul) }

// Put encodes values, writes them locally and forwards what was accepted to
// every wire. A nil value is written as a tombstone.
func (s *Store) Put(soul string, values map[string]any) (Node, error) {
	raw := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", soul, k, err)
		}
		raw[k] = b
	}
	accepted, err := s.graph.Put(soul, raw)
	if err != nil {
		s.log.Warn("persist failed", zap.String("soul", soul), zap.Error(err))
	}
	if len(accepted) > 0 {
		id := uuid.NewString()
		s.seen.Add(id, struct{}{})
		s.broadcast(message{ID: id, Put: accepted}, nil)
	}
	return accepted[soul], err
}

// Subscribe is Graph.Subscribe.
func (s *Store) Subscribe(soul string) (<-chan Change, func()) {
	return s.graph.Subscribe(soul)
}

// Handler upgrades requests to sync wires. Mount it at the path peers
// dial, conventionally /gun.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		if _, err := s.attach(conn, r.RemoteAddr, false); err != nil {
			_ = conn.Close()
		}
	})
}

// attach registers the wire, starts its loops and sends it the full graph.
func (s *Store) attach(conn *websocket.Conn, remote string, outbound bool) (*wire, error) {
	w := newWire(conn, remote, outbound)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wires[w] = struct{}{}
	s.mu.Unlock()
	telemetry.SyncLinks.WithLabelValues(w.direction()).Inc()
	s.log.Debug("wire attached", zap.String("remote", remote), zap.Bool("outbound", outbound))

	go w.writeLoop()
	go s.readLoop(w)

	if snap := s.graph.Snapshot(); len(snap) > 0 {
		w.enqueue(message{ID: uuid.NewString(), Put: snap})
	}
	return w, nil
}

func (s *Store) detach(w *wire) {
	w.close()
	s.mu.Lock()
	_, ok := s.wires[w]
	delete(s.wires, w)
	s.mu.Unlock()
	if ok {
		telemetry.SyncLinks.WithLabelValues(w.direction()).Dec()
		s.log.Debug("wire detached", zap.String("remote", w.remote))
	}
}

func (s *Store) readLoop(w *wire) {
	defer s.detach(w)
	for {
		var m message
		if err := w.conn.ReadJSON(&m); err != nil {
			return
		}
		s.handle(w, m)
	}
}

func (s *Store) handle(from *wire, m message) {
	if m.ID == "" {
		return
	}
	if seen, _ := s.seen.ContainsOrAdd(m.ID, struct{}{}); seen {
		return
	}

	if m.Put != nil {
		accepted, err := s.graph.Merge(m.Put)
		if err != nil {
			s.log.Warn("persist failed", zap.String("remote", from.remote), zap.Error(err))
		}
		if len(accepted) > 0 {
			s.broadcast(message{ID: m.ID, Put: accepted}, from)
		}
	}
	if m.Get != "" {
		reply := message{ID: uuid.NewString(), Ack: m.ID}
		if n, ok := s.graph.Get(m.Get); ok {
			reply.Put = Nodes{m.Get: n}
		}
		s.seen.Add(reply.ID, struct{}{})
		from.enqueue(reply)
	}
}

func (s *Store) broadcast(m message, except *wire) {
	s.mu.Lock()
	targets := make([]*wire, 0, len(s.wires))
	for w := range s.wires {
		if w != except {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()
	for _, w := range targets {
		w.enqueue(m)
	}
}

// WireCount reports open wires in both directions.
func (s *Store) WireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wires)
}

// Close stops every peer link, drops all wires and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wires := make([]*wire, 0, len(s.wires))
	for w := range s.wires {
		wires = append(wires, w)
	}
	s.mu.Unlock()

	s.peers.close()
	for _, w := range wires {
		w.close()
	}
	if s.graph.persist != nil {
		return s.graph.persist.close()
	}
	return nil
}
