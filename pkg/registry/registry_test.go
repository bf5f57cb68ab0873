package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("one", 1))

	got, ok := r.Get("one")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = r.Get("two")
	assert.False(t, ok)
}

func TestRegisterEmptyName(t *testing.T) {
	r := NewBaseRegistry[int]()
	assert.Error(t, r.Register("", 1))
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.NoError(t, r.Register("c", "C"))
	require.NoError(t, r.Register("a", "A"))
	require.NoError(t, r.Register("b", "B"))

	assert.Equal(t, []string{"c", "a", "b"}, r.Names())
	assert.Equal(t, []string{"C", "A", "B"}, r.List())
}

func TestReplaceKeepsPosition(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))
	require.NoError(t, r.Register("a", 10))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, []int{10, 2}, r.List())
	assert.Equal(t, 2, r.Count())
}

func TestRemove(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	require.NoError(t, r.Remove("a"))
	assert.Equal(t, []string{"b"}, r.Names())
	assert.Error(t, r.Remove("a"))
}

func TestConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("item-%d", i)
			_ = r.Register(name, i)
			r.Get(name)
			r.List()
			r.Count()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, r.Count())
}
