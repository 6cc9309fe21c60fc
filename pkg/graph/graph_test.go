package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestPutGet(t *testing.T) {
	g := newGraph(nil)
	_, err := g.Put("message/1", map[string]json.RawMessage{"content": raw(`"hi"`)})
	require.NoError(t, err)

	n, ok := g.Get("message/1")
	require.True(t, ok)
	assert.JSONEq(t, `"hi"`, string(n["content"].Value))
	assert.Equal(t, 1, g.Len())

	_, ok = g.Get("missing")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	g := newGraph(nil)
	_, _ = g.Put("a", map[string]json.RawMessage{"x": raw(`1`)})
	n, _ := g.Get("a")
	n["y"] = Field{Value: raw(`2`), State: 1}

	again, _ := g.Get("a")
	_, leaked := again["y"]
	assert.False(t, leaked, "Get must not expose internal node")
}

func TestPutStatesIncrease(t *testing.T) {
	g := newGraph(nil)
	g.now = func() int64 { return 100 }

	first, _ := g.Put("a", map[string]json.RawMessage{"x": raw(`1`)})
	second, _ := g.Put("a", map[string]json.RawMessage{"x": raw(`2`)})

	assert.Equal(t, int64(100), first["a"]["x"].State)
	assert.Equal(t, int64(101), second["a"]["x"].State, "same clock reading must still produce a newer state")
	n, _ := g.Get("a")
	assert.JSONEq(t, `2`, string(n["x"].Value))
}

func TestMergeLastWriterWins(t *testing.T) {
	g := newGraph(nil)
	_, _ = g.Merge(Nodes{"a": {"x": {Value: raw(`"new"`), State: 20}}})

	accepted, err := g.Merge(Nodes{"a": {"x": {Value: raw(`"old"`), State: 10}}})
	require.NoError(t, err)
	assert.Empty(t, accepted, "older state must lose")

	accepted, _ = g.Merge(Nodes{"a": {"x": {Value: raw(`"newer"`), State: 30}}})
	require.Contains(t, accepted, "a")
	n, _ := g.Get("a")
	assert.JSONEq(t, `"newer"`, string(n["x"].Value))
}

func TestMergeTieBreakIsDeterministic(t *testing.T) {
	left := newGraph(nil)
	right := newGraph(nil)
	a := Nodes{"s": {"f": {Value: raw(`"apple"`), State: 5}}}
	b := Nodes{"s": {"f": {Value: raw(`"banana"`), State: 5}}}

	_, _ = left.Merge(a)
	_, _ = left.Merge(b)
	_, _ = right.Merge(b)
	_, _ = right.Merge(a)

	ln, _ := left.Get("s")
	rn, _ := right.Get("s")
	assert.Equal(t, ln["f"], rn["f"], "replicas must converge regardless of order")
	assert.JSONEq(t, `"banana"`, string(ln["f"].Value))
}

func TestMergeIsIdempotent(t *testing.T) {
	g := newGraph(nil)
	in := Nodes{"s": {"f": {Value: raw(`1`), State: 5}}}
	first, _ := g.Merge(in)
	second, _ := g.Merge(in)
	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestTombstone(t *testing.T) {
	g := newGraph(nil)
	_, _ = g.Put("messages", map[string]json.RawMessage{"message/1": raw(`{"#":"message/1"}`)})
	_, _ = g.Put("messages", map[string]json.RawMessage{"message/1": Null})

	n, ok := g.Get("messages")
	require.True(t, ok, "tombstoned field keeps its soul")
	f, ok := n["message/1"]
	require.True(t, ok)
	assert.True(t, f.IsNull())
}

func TestMergeEmptyValueBecomesNull(t *testing.T) {
	g := newGraph(nil)
	_, _ = g.Merge(Nodes{"s": {"f": {State: 1}}})
	n, _ := g.Get("s")
	assert.True(t, n["f"].IsNull())
}

func TestSubscribe(t *testing.T) {
	g := newGraph(nil)
	ch, cancel := g.Subscribe("messages")

	_, _ = g.Put("other", map[string]json.RawMessage{"x": raw(`1`)})
	_, _ = g.Put("messages", map[string]json.RawMessage{"k": raw(`"v"`)})

	select {
	case c := <-ch:
		assert.Equal(t, "messages", c.Soul)
		assert.Equal(t, "k", c.Field)
		assert.JSONEq(t, `"v"`, string(c.Value))
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	cancel()
	cancel() // idempotent
	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")

	// Writes after cancel must not panic on the closed channel.
	_, err := g.Put("messages", map[string]json.RawMessage{"k": raw(`"w"`)})
	require.NoError(t, err)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	g := newGraph(nil)
	_, _ = g.Put("a", map[string]json.RawMessage{"x": raw(`1`)})
	snap := g.Snapshot()
	snap["a"]["x"] = Field{Value: raw(`99`), State: 1 << 60}

	n, _ := g.Get("a")
	assert.JSONEq(t, `1`, string(n["x"].Value))
}
