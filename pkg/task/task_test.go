package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsOrderAndNormalizationInsensitive(t *testing.T) {
	a := map[string]interface{}{
		"name":  "Caf\u00e9",
		"count": 1,
		"tags":  []interface{}{"x", "y"},
	}
	b := map[string]interface{}{
		"tags":  []interface{}{"x", "y"},
		"count": 1.0,
		"name":  "Cafe\u0301",
	}

	assert.Equal(t, Fingerprint("http", a), Fingerprint("http", b))
	assert.NotEqual(t, Fingerprint("http", a), Fingerprint("script", a))

	b["count"] = 2
	assert.NotEqual(t, Fingerprint("http", a), Fingerprint("http", b))
}

func TestFingerprintDistinguishesNesting(t *testing.T) {
	flat := map[string]interface{}{"a": "b"}
	nested := map[string]interface{}{"a": map[string]interface{}{"b": nil}}
	assert.NotEqual(t, Fingerprint("x", flat), Fingerprint("x", nested))
}

func TestTaskDoneClosesOnce(t *testing.T) {
	tk := New("exec-1", "node-a", "passthrough", nil)
	select {
	case <-tk.Done():
		t.Fatal("done closed before finish")
	default:
	}

	tk.Finish()
	tk.Finish()

	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestZeroTaskFinishClosesDone(t *testing.T) {
	var tk Task
	tk.Finish()
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestPriorityParseAndString(t *testing.T) {
	for _, p := range Priorities {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := ExecutorFunc(func(ctx context.Context, input map[string]interface{}, ec *ExecContext) (interface{}, error) {
		return input, nil
	})

	require.NoError(t, reg.Register("noop", noop, Cacheable()))
	require.NoError(t, reg.Register("fetch", noop, NeedsConnection(ConnectionHTTP)))
	assert.Error(t, reg.Register("noop", noop))
	assert.Error(t, reg.Register("", noop))

	d, ok := reg.Lookup("noop")
	require.True(t, ok)
	assert.True(t, d.Cacheable)
	assert.Equal(t, ConnectionNone, d.Connection)

	d, ok = reg.Lookup("fetch")
	require.True(t, ok)
	assert.False(t, d.Cacheable)
	assert.Equal(t, ConnectionHTTP, d.Connection)

	assert.Equal(t, []string{"fetch", "noop"}, reg.RegisteredTypes())
}

func TestParseWorkflowAndResolveTarget(t *testing.T) {
	doc := []byte(`
id: orders
priority: high
nodes:
  - id: fetch
    type: http
    config:
      url: https://api.example.com/orders
  - id: store
    type: sql
    config:
      database: warehouse
  - id: shape
    type: script
    target: custom
edges:
  - {from: fetch, to: shape}
  - {from: shape, to: store}
`)
	wf, err := ParseWorkflow(doc)
	require.NoError(t, err)
	assert.Equal(t, "orders", wf.ID)
	require.Len(t, wf.Nodes, 3)
	require.Len(t, wf.Edges, 2)

	assert.Equal(t, "api.example.com", ResolveTarget(wf.Nodes[0]))
	assert.Equal(t, "warehouse", ResolveTarget(wf.Nodes[1]))
	assert.Equal(t, "custom", ResolveTarget(wf.Nodes[2]))

	_, err = ParseWorkflow([]byte(`nodes: []`))
	assert.Error(t, err)
}
