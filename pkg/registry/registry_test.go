package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
)

type stubClient struct{}

type stubModule struct{ name string }

func (stubModule) RegisterTools(*capability.Server) error { return nil }

func ctor(name string) Constructor[stubClient] {
	return func(stubClient) capability.Module { return stubModule{name: name} }
}

func countingSource(calls *atomic.Int32, entries ...Entry[stubClient]) Source[stubClient] {
	return func() ([]Entry[stubClient], error) {
		calls.Add(1)
		return entries, nil
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"HostsModule":      "hosts",
		"DetectionsModule": "detections",
		"SensorUsage":      "sensorusage",
		"IDPModule":        "idp",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestAvailableIsMemoized(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	reg := New(countingSource(&calls,
		Entry[stubClient]{TypeName: "BaseModule"},
		Entry[stubClient]{TypeName: "HostsModule", New: ctor("hosts")},
		Entry[stubClient]{TypeName: "DetectionsModule", New: ctor("detections")},
		Entry[stubClient]{TypeName: "IntelModule", New: ctor("intel")},
	))
	assert.Zero(t, calls.Load(), "discovery must be lazy")

	first, err := reg.Available()
	require.NoError(t, err)
	second, err := reg.Available()
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.ElementsMatch(t, keys(first), keys(second))
	assert.Len(t, first, 3)
	assert.NotContains(t, first, "base")

	names, err := reg.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"detections", "hosts", "intel"}, names)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAvailableReturnsCopy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	reg := New(countingSource(&calls, Entry[stubClient]{TypeName: "HostsModule", New: ctor("hosts")}))

	mods, err := reg.Available()
	require.NoError(t, err)
	delete(mods, "hosts")

	_, ok, err := reg.Lookup("hosts")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentFirstAccessScansOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	reg := New(countingSource(&calls, Entry[stubClient]{TypeName: "HostsModule", New: ctor("hosts")}))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Names()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestDiscoveryIsAllOrNothing(t *testing.T) {
	t.Parallel()

	good := Entry[stubClient]{TypeName: "HostsModule", New: ctor("hosts")}
	tests := []struct {
		name    string
		entries []Entry[stubClient]
		srcErr  error
	}{
		{name: "source error", srcErr: errors.New("import failed: intel")},
		{name: "nil constructor", entries: []Entry[stubClient]{good, {TypeName: "IntelModule"}}},
		{name: "bad suffix", entries: []Entry[stubClient]{good, {TypeName: "Intel", New: ctor("intel")}}},
		{name: "empty name", entries: []Entry[stubClient]{good, {TypeName: "Module", New: ctor("")}}},
		{name: "duplicate", entries: []Entry[stubClient]{good, {TypeName: "HOSTSModule", New: ctor("hosts")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			reg := New[stubClient](func() ([]Entry[stubClient], error) {
				calls.Add(1)
				return tt.entries, tt.srcErr
			})

			mods, err := reg.Available()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDiscovery)
			assert.Nil(t, mods, "no partial result")

			_, err = reg.Names()
			assert.ErrorIs(t, err, ErrDiscovery)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestCatalogRegistry(t *testing.T) {
	t.Parallel()

	var cat Catalog[stubClient]
	cat.Register("HostsModule", ctor("hosts"))
	cat.Register("IntelModule", ctor("intel"))

	reg := cat.Registry()
	// Registrations after the first lookup are not seen.
	names, err := reg.Names()
	require.NoError(t, err)
	cat.Register("LateModule", ctor("late"))

	again, err := reg.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"hosts", "intel"}, names)
	assert.Equal(t, names, again)

	c, ok, err := reg.Lookup("intel")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stubModule{name: "intel"}, c(stubClient{}))
}

func keys(m map[string]Constructor[stubClient]) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
