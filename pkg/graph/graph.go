// Package graph is the replicated store a mesh node carries: a graph of souls
// (node keys) whose fields converge across peers by last-writer-wins on a
// millisecond state, synced over websocket wires.
package graph

import (
	"bytes"
	"encoding/json"
	"maps"
	"sync"
	"time"
)

// Null is the tombstone value. Deleting a field writes Null at a newer state.
var Null = json.RawMessage("null")

// Field is one value of a soul together with the state it was written at.
type Field struct {
	Value json.RawMessage `json:"v"`
	State int64           `json:"s"`
}

// IsNull reports whether the field is a tombstone.
func (f Field) IsNull() bool {
	return len(f.Value) == 0 || bytes.Equal(bytes.TrimSpace(f.Value), Null)
}

// Node maps field names to fields.
type Node map[string]Field

// Nodes maps souls to nodes. It is also the put payload on the wire.
type Nodes map[string]Node

// Change is delivered to subscribers of a soul for every accepted field.
type Change struct {
	Soul  string
	Field string
	Value json.RawMessage
	State int64
}

// Deleted reports whether the change is a tombstone write.
func (c Change) Deleted() bool { return Field{Value: c.Value}.IsNull() }

const subscriberBuffer = 64

// Graph holds the merged state. It is safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	nodes     Nodes
	subs      map[string]map[int]chan Change
	nextSub   int
	lastState int64
	persist   persister
	now       func() int64
}

func newGraph(p persister) *Graph {
	return &Graph{
		nodes:   make(Nodes),
		subs:    make(map[string]map[int]chan Change),
		persist: p,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Get returns a copy of the soul's node.
func (g *Graph) Get(soul string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[soul]
	if !ok {
		return nil, false
	}
	return maps.Clone(n), true
}

// Len returns the number of souls.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Snapshot copies the whole graph.
func (g *Graph) Snapshot() Nodes {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(Nodes, len(g.nodes))
	for soul, n := range g.nodes {
		out[soul] = maps.Clone(n)
	}
	return out
}

// Put writes values as local changes, stamped with a state newer than any
// state this graph has produced. It returns what was accepted.
func (g *Graph) Put(soul string, values map[string]json.RawMessage) (Nodes, error) {
	g.mu.Lock()
	state := g.now()
	if state <= g.lastState {
		state = g.lastState + 1
	}
	g.lastState = state
	g.mu.Unlock()

	n := make(Node, len(values))
	for k, v := range values {
		n[k] = Field{Value: v, State: state}
	}
	return g.Merge(Nodes{soul: n})
}

// Merge applies incoming nodes field by field. A field replaces the current
// one when its state is newer; equal states fall back to comparing the encoded
// values so every replica picks the same winner.
func (g *Graph) Merge(in Nodes) (Nodes, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	accepted := make(Nodes)
	var changes []Change
	for soul, incoming := range in {
		cur := g.nodes[soul]
		for name, f := range incoming {
			if len(f.Value) == 0 {
				f.Value = Null
			}
			if old, ok := cur[name]; ok && !wins(f, old) {
				continue
			}
			if cur == nil {
				cur = make(Node)
				g.nodes[soul] = cur
			}
			cur[name] = f
			if accepted[soul] == nil {
				accepted[soul] = make(Node)
			}
			accepted[soul][name] = f
			changes = append(changes, Change{Soul: soul, Field: name, Value: f.Value, State: f.State})
			if f.State > g.lastState {
				g.lastState = f.State
			}
		}
	}
	if len(accepted) == 0 {
		return nil, nil
	}
	if g.persist != nil {
		if err := g.persist.save(accepted); err != nil {
			return accepted, err
		}
	}
	g.notify(changes)
	return accepted, nil
}

func wins(in, cur Field) bool {
	if in.State != cur.State {
		return in.State > cur.State
	}
	return bytes.Compare(in.Value, cur.Value) > 0
}

// Subscribe delivers changes to soul's fields until cancel is called. A
// subscriber that falls more than a buffer behind misses changes.
func (g *Graph) Subscribe(soul string) (<-chan Change, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextSub
	g.nextSub++
	ch := make(chan Change, subscriberBuffer)
	if g.subs[soul] == nil {
		g.subs[soul] = make(map[int]chan Change)
	}
	g.subs[soul][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.subs[soul], id)
			if len(g.subs[soul]) == 0 {
				delete(g.subs, soul)
			}
			close(ch)
		})
	}
}

// notify runs with g.mu held.
func (g *Graph) notify(changes []Change) {
	for _, c := range changes {
		for _, ch := range g.subs[c.Soul] {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// load replaces the graph with persisted state. Used once by Open.
func (g *Graph) load(nodes Nodes) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nodes
	for _, n := range nodes {
		for _, f := range n {
			if f.State > g.lastState {
				g.lastState = f.State
			}
		}
	}
}
