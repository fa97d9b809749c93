package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBacklogEmpty(t *testing.T) {
	b := NewBacklog(8)
	assert.Nil(t, b.Bytes())
}

func TestBacklogPartialFill(t *testing.T) {
	b := NewBacklog(8)
	b.Write([]byte("abc"))
	assert.Equal(t, "abc", string(b.Bytes()))

	// Bytes does not consume
	assert.Equal(t, "abc", string(b.Bytes()))
}

func TestBacklogEvictsOldest(t *testing.T) {
	b := NewBacklog(4)
	b.Write([]byte("abcdef"))
	assert.Equal(t, "cdef", string(b.Bytes()))

	b.Write([]byte("g"))
	assert.Equal(t, "defg", string(b.Bytes()))
}

func TestBacklogLargeWrite(t *testing.T) {
	b := NewBacklog(16)
	b.Write([]byte(strings.Repeat("x", 100) + "tail"))
	out := string(b.Bytes())
	assert.Len(t, out, 16)
	assert.True(t, strings.HasSuffix(out, "tail"))
}
