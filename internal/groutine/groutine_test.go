package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoNamesGoroutine(t *testing.T) {
	type observed struct {
		name  string
		label string
	}
	got := make(chan observed, 1)

	Go(nil, "ble-scan", func(ctx context.Context) { //nolint:staticcheck
		label, _ := pprof.Label(ctx, "goroutine_name")
		got <- observed{name: GetName(ctx), label: label}
	})

	select {
	case o := <-got:
		assert.Equal(t, "ble-scan", o.name)
		assert.Equal(t, "ble-scan", o.label, "pprof label MUST carry the name")
	case <-time.After(time.Second):
		require.Fail(t, "goroutine did not run")
	}
}

func TestGoKeepsParentValues(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	done := make(chan struct{})

	Go(parent, "worker", func(ctx context.Context) {
		defer close(done)
		assert.Equal(t, "v", ctx.Value(key{}))
		<-ctx.Done()
	})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "parent cancellation MUST reach the goroutine")
	}
}

func TestGetName(t *testing.T) {
	assert.Empty(t, GetName(nil)) //nolint:staticcheck
	assert.Empty(t, GetName(context.Background()))
	assert.Equal(t, "dispatcher", GetName(WithName(context.Background(), "dispatcher")))
}
