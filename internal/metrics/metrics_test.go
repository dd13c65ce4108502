package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/pool"
)

func newBrackets(t *testing.T) *bracket.Set {
	t.Helper()
	set, err := bracket.NewSet(100, bracket.TierTargets{
		bracket.Starting:     10,
		bracket.ChromieTime:  40,
		bracket.Dragonflight: 25,
		bracket.TheWarWithin: 25,
	})
	require.NoError(t, err)
	return set
}

func TestCollectorScrape(t *testing.T) {
	p := pool.New(pool.Config{NumThreads: 2, MaxQueueSize: 64})
	t.Cleanup(p.Shutdown)

	set := newBrackets(t)
	set.ByTier(bracket.Starting).SetCurrent(20)

	done := make(chan struct{})
	require.NoError(t, p.Enqueue(pool.Normal, func() error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}
	require.True(t, p.WaitForCompletion(5*time.Second))

	c := NewCollector(p, set, nil, nil, nil, nil)
	srv := httptest.NewServer(Handler(c))
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `botpop_bracket_bots{tier="Starting"} 20`)
	assert.Contains(t, body, `botpop_bracket_target{tier="ChromieTime"} 40`)
	assert.Contains(t, body, "botpop_pool_tasks_submitted_total 1")
	assert.Contains(t, body, "botpop_pool_tasks_completed_total 1")
	assert.Contains(t, body, `botpop_pool_tasks_queued{priority="NORMAL"} 0`)
	assert.Contains(t, body, "go_goroutines")
}

func TestCollectorSkipsNilSubsystems(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, nil)
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	assert.Empty(t, ch)
}

func TestCollectorDescribesEverything(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, nil)
	ch := make(chan *prometheus.Desc, 64)
	c.Describe(ch)
	close(ch)
	var n int
	for range ch {
		n++
	}
	assert.Equal(t, 24, n)
}

// collector registration must be idempotent per registry, never global.
func TestHandlerUsesIsolatedRegistry(t *testing.T) {
	a := NewCollector(nil, newBrackets(t), nil, nil, nil, nil)
	b := NewCollector(nil, newBrackets(t), nil, nil, nil, nil)
	assert.NotPanics(t, func() {
		_ = Handler(a)
		_ = Handler(b)
	})
}
