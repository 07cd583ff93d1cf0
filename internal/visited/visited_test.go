package visited

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisitAndReset(t *testing.T) {
	s := New(64)

	assert.False(t, s.Visited(3))
	s.Visit(3)
	s.Visit(3)
	assert.True(t, s.Visited(3))

	s.Reset()
	assert.False(t, s.Visited(3))
}

func TestGrowBeyondCapacity(t *testing.T) {
	s := New(8)

	s.Visit(100000)
	assert.True(t, s.Visited(100000))
	assert.False(t, s.Visited(100001))

	s.Reset()
	assert.False(t, s.Visited(100000))
}
