package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenDetectsRepeatAndInsertsOnce(t *testing.T) {
	t.Parallel()

	l := New(100)
	assert.False(t, l.Seen("a"))
	assert.True(t, l.Seen("a"))
	assert.Equal(t, 1, l.Len())
}

func TestSeenEmptyIDAlwaysNew(t *testing.T) {
	t.Parallel()

	l := New(100)
	assert.False(t, l.Seen(""))
	assert.False(t, l.Seen(""))
	assert.Equal(t, 0, l.Len())
}

func TestSeenEvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()

	l := New(2)
	l.Seen("a")
	l.Seen("b")
	l.Seen("c") // evicts "a"

	assert.Equal(t, 2, l.Len())
	assert.False(t, l.Seen("a"), "a should have been evicted and treated as new again")
}

func TestReplayingSameResponseTwiceEmitsEachIDAtMostOnce(t *testing.T) {
	t.Parallel()

	l := New(0)
	ids := []string{"1", "2", "3"}

	firstPass := 0
	for _, id := range ids {
		if !l.Seen(id) {
			firstPass++
		}
	}
	secondPass := 0
	for _, id := range ids {
		if !l.Seen(id) {
			secondPass++
		}
	}

	assert.Equal(t, 3, firstPass)
	assert.Equal(t, 0, secondPass)
}
