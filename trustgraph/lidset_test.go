package trustgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLIDSet(t *testing.T) {
	s := newLIDSet()

	assert.False(t, s.insert(1, 10))
	assert.False(t, s.insert(17, 20)) // same bucket as 1
	assert.False(t, s.insert(2, 30))

	// a second insert reports the duplicate and keeps the first flag
	assert.True(t, s.insert(1, 99))
	flag, ok := s.lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uint(10), flag)

	flag, ok = s.lookup(17)
	assert.True(t, ok)
	assert.Equal(t, uint(20), flag)

	_, ok = s.lookup(33) // bucket of 1 and 17, but never inserted
	assert.False(t, ok)
}

func TestRecnoList(t *testing.T) {
	var l recnoList
	l.insert(5, 3)
	l.insert(7, 4)

	assert.True(t, l.contains(5, 3))
	assert.True(t, l.contains(5, 0))
	assert.False(t, l.contains(5, 4))
	assert.False(t, l.contains(9, 0))
}
