package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
		assert.LessOrEqual(t, r.Len(), r.Cap())
	}
	assert.Equal(t, []int{3, 4, 5}, r.Items())
}

func TestRing_PartiallyFilled(t *testing.T) {
	r := NewRing[string](4)
	assert.Empty(t, r.Items())
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Items())
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := NewRing[int](0)
	r.Push(1)
	r.Push(2)
	assert.Equal(t, 1, r.Cap())
	assert.Equal(t, []int{2}, r.Items())
}

func TestRing_ItemsIsACopy(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	items := r.Items()
	items[0] = 99
	assert.Equal(t, []int{1}, r.Items())
}
