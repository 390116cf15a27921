package toolset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToolset(t *testing.T, name string, remote *fakeRemote, opts *Options) *Toolset {
	t.Helper()
	ts, err := New(name, remote.dialer(), opts)
	require.NoError(t, err)
	return ts
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New("", (&fakeRemote{}).dialer(), nil)
	assert.Error(t, err)
	_, err = New("scc", nil, nil)
	assert.Error(t, err)
}

func TestSessionIsLazy(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	ts := newToolset(t, "scc", remote, nil)
	assert.Zero(t, remote.dials.Load())
	assert.Empty(t, ts.SessionID())

	_, err := ts.Tools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), remote.dials.Load())
	assert.NotEmpty(t, ts.SessionID())
}

// Two consecutive calls for one tool set make exactly one remote round trip.
func TestToolsServedFromCache(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	cache := NewCache()
	ts := newToolset(t, "scc", remote, &Options{Cache: cache})
	ctx := context.Background()

	first, err := ts.Tools(ctx)
	require.NoError(t, err)
	second, err := ts.Tools(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), remote.lists.Load())
	require.Len(t, second, 3)
	for i := range first {
		assert.Same(t, first[i], second[i], "cached entry must be returned verbatim")
	}
	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestDistinctToolsetsRoundTripIndependently(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	sccRemote := &fakeRemote{tools: threeTools()}
	gtiRemote := &fakeRemote{tools: []*mcp.Tool{{Name: "get_file_report"}}}
	scc := newToolset(t, "scc", sccRemote, &Options{Cache: cache})
	gti := newToolset(t, "gti_mcp", gtiRemote, &Options{Cache: cache})
	ctx := context.Background()

	_, err := scc.Tools(ctx)
	require.NoError(t, err)
	tools, err := gti.Tools(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), sccRemote.lists.Load())
	assert.Equal(t, int32(1), gtiRemote.lists.Load())
	assert.Equal(t, []string{"get_file_report"}, Names(tools))
	assert.Equal(t, []string{"gti_mcp", "scc"}, cache.Names())
}

func TestCacheSharedAcrossProxiesWithSameName(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	a := &fakeRemote{tools: threeTools()}
	b := &fakeRemote{tools: threeTools()}
	_, err := newToolset(t, "scc", a, &Options{Cache: cache}).Tools(context.Background())
	require.NoError(t, err)
	tools, err := newToolset(t, "scc", b, &Options{Cache: cache}).Tools(context.Background())
	require.NoError(t, err)

	assert.Len(t, tools, 3)
	assert.Zero(t, b.lists.Load())
}

func TestFilterAppliedBeforeCaching(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	cache := NewCache()
	ts := newToolset(t, "scc", remote, &Options{
		Cache:  cache,
		Filter: AllowList("list_assets", "not_offered"),
	})

	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"list_assets"}, Names(tools))

	cached, ok := cache.Get("scc")
	require.True(t, ok)
	assert.Len(t, cached, 1)
}

func TestPredicateFilter(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	ts := newToolset(t, "scc", remote, &Options{
		Filter: func(tool *mcp.Tool) bool { return tool.Name != "list_assets" },
	})
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"top_vulnerability_findings", "get_finding_remediation"}, Names(tools))
}

func TestAllowListEmptyKeepsAll(t *testing.T) {
	t.Parallel()
	assert.Nil(t, AllowList())
}

func TestToolsFollowsPagination(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools(), pages: 3}
	ts := newToolset(t, "scc", remote, nil)

	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 3)
	assert.Equal(t, int32(3), remote.lists.Load())
}

func TestEmptyListingIsCached(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	ts := newToolset(t, "empty", remote, nil)
	ctx := context.Background()

	tools, err := ts.Tools(ctx)
	require.NoError(t, err)
	assert.Empty(t, tools)
	_, err = ts.Tools(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), remote.lists.Load())
}

// A closed session is replaced, the listing retried, and the result cached.
func TestToolsReconnectsOnceAfterSessionClosed(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{
		tools:    threeTools(),
		listErrs: []error{fmt.Errorf("calling tools/list: %w", mcp.ErrConnectionClosed)},
	}
	cache := NewCache()
	ts := newToolset(t, "scc", remote, &Options{Cache: cache})

	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 3)

	assert.Equal(t, int32(2), remote.dials.Load(), "one reinitialization")
	assert.Equal(t, int32(2), remote.lists.Load())
	assert.Equal(t, int32(1), remote.closes.Load(), "stale session closed")
	assert.NotEmpty(t, ts.SessionID())

	cached, ok := cache.Get("scc")
	require.True(t, ok)
	assert.Len(t, cached, 3)
}

func TestSecondSessionClosedPropagates(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{
		tools:    threeTools(),
		listErrs: []error{ErrSessionClosed, ErrSessionClosed, nil},
	}
	cache := NewCache()
	ts := newToolset(t, "scc", remote, &Options{Cache: cache})

	_, err := ts.Tools(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, int32(2), remote.lists.Load(), "no further retry")
	assert.Equal(t, int32(2), remote.dials.Load())
	assert.Zero(t, cache.Len())
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("permission denied")
	remote := &fakeRemote{tools: threeTools(), listErrs: []error{boom}}
	ts := newToolset(t, "scc", remote, nil)

	_, err := ts.Tools(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), remote.lists.Load())
	assert.Equal(t, int32(1), remote.dials.Load())
}

func TestDialFailureIsReported(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{dialError: errors.New("exec: uv not found")}
	ts := newToolset(t, "scc", remote, nil)

	_, err := ts.Tools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uv not found")
}

func TestToolCallReconnectsOnce(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	ts := newToolset(t, "scc", remote, nil)
	ctx := context.Background()

	tools, err := ts.Tools(ctx)
	require.NoError(t, err)

	remote.mu.Lock()
	remote.callErrs = []error{mcp.ErrConnectionClosed}
	remote.mu.Unlock()

	res, err := tools[0].Call(ctx, map[string]any{"project_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, "top_vulnerability_findings via session 2", res.Content[0].(*mcp.TextContent).Text)
	assert.Equal(t, int32(2), remote.calls.Load())
	assert.Equal(t, "scc", tools[0].Toolset())
}

func TestToolCallIsDeliveredAtLeastOnce(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	ts := newToolset(t, "secops_soar_mcp", remote, nil)
	ctx := context.Background()
	tools, err := ts.Tools(ctx)
	require.NoError(t, err)

	// The first session receives the call, then its connection drops.
	remote.mu.Lock()
	remote.callErrs = []error{io.EOF}
	remote.mu.Unlock()
	_, err = tools[0].Call(ctx, map[string]any{"comment": "escalated"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), remote.calls.Load(), "both sessions saw the call")

	rejected := errors.New("invalid case id")
	remote.mu.Lock()
	remote.callErrs = []error{rejected}
	remote.mu.Unlock()
	_, err = tools[0].Call(ctx, map[string]any{"comment": "again"})
	require.ErrorIs(t, err, rejected)
	assert.Equal(t, int32(3), remote.calls.Load(), "other failures are not repeated")
}

func TestConcurrentMissesBothStore(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	cache := NewCache()
	ts := newToolset(t, "scc", remote, &Options{Cache: cache})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := ts.Tools(context.Background())
			assert.NoError(t, err)
			assert.Len(t, tools, 3)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), remote.dials.Load(), "sessions are not duplicated")
	assert.GreaterOrEqual(t, remote.lists.Load(), int32(1))
	assert.Equal(t, 1, cache.Len())
}

func TestCloseDiscardsHandle(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{tools: threeTools()}
	ts := newToolset(t, "scc", remote, nil)
	_, err := ts.Tools(context.Background())
	require.NoError(t, err)

	require.NoError(t, ts.Close())
	assert.Empty(t, ts.SessionID())
	assert.Equal(t, int32(1), remote.closes.Load())
	require.NoError(t, ts.Close())
}
