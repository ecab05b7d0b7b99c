package cancel

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.RequestStop("exec-1"))
	assert.False(t, r.IsStopRequested("exec-1"))

	r.Begin("exec-1")
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.IsStopRequested("exec-1"))

	assert.True(t, r.RequestStop("exec-1"))
	assert.True(t, r.IsStopRequested("exec-1"))
	// Idempotent.
	assert.True(t, r.RequestStop("exec-1"))

	r.End("exec-1")
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.IsStopRequested("exec-1"))
	assert.False(t, r.RequestStop("exec-1"))
}

func TestRegistry_BeginResetsStaleFlag(t *testing.T) {
	r := NewRegistry()
	r.Begin("exec-1")
	r.RequestStop("exec-1")
	r.Begin("exec-1")

	assert.False(t, r.IsStopRequested("exec-1"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_EndUnknown(t *testing.T) {
	r := NewRegistry()
	r.End("missing")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Isolated(t *testing.T) {
	r := NewRegistry()
	r.Begin("a")
	r.Begin("b")
	r.RequestStop("a")

	assert.True(t, r.IsStopRequested("a"))
	assert.False(t, r.IsStopRequested("b"))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("exec-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Begin(id)
			r.RequestStop(id)
			_ = r.IsStopRequested(id)
			r.End(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
