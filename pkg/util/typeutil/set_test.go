package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	set := NewSet("alice", "bob")
	set.Insert("alice", "carol")

	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Contain("alice", "carol"))
	assert.False(t, set.Contain("alice", "dave"))
	assert.Equal(t, []string{"alice", "bob", "carol"}, Sorted(set))

	other := NewSet("bob", "dave")
	assert.Equal(t, []string{"bob"}, Sorted(set.Intersection(other)))
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, Sorted(set.Union(other)))
	assert.Equal(t, []string{"alice", "carol"}, Sorted(set.Complement(other)))

	clone := set.Clone()
	set.Remove("alice")
	assert.True(t, clone.Contain("alice"))
	assert.False(t, set.Contain("alice"))
}

func TestConcurrentSet(t *testing.T) {
	set := NewConcurrentSet[int]()
	assert.True(t, set.Insert(1))
	assert.False(t, set.Insert(1))
	set.Upsert(2, 3)
	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Contain(1, 2, 3))
	assert.True(t, set.TryRemove(2))
	assert.False(t, set.TryRemove(2))
	assert.ElementsMatch(t, []int{1, 3}, set.Collect())
}
