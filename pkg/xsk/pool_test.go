package xsk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramePool(t *testing.T) {
	p, err := NewFramePool(make([]byte, 4*256+100), 256)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, 4, p.Available())

	var got []Frame
	for {
		f, ok := p.Alloc()
		if !ok {
			break
		}
		got = append(got, f)
		assert.Len(t, p.Data(f), 256)
	}
	assert.Equal(t, []Frame{0, 256, 512, 768}, got)
	assert.Zero(t, p.Available())

	// An address inside a frame returns that frame.
	require.NoError(t, p.Free(Frame(512+14)))
	f, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, Frame(512), f)

	for _, f := range got {
		require.NoError(t, p.Free(f))
	}
	assert.Equal(t, 4, p.Available())
}

func TestFramePoolRejectsBadFree(t *testing.T) {
	p, err := NewFramePool(make([]byte, 4*256+100), 256)
	require.NoError(t, err)

	// Full pool: every frame is already held.
	assert.ErrorIs(t, p.Free(256), ErrDoubleFree)
	assert.Equal(t, 4, p.Available())

	a, _ := p.Alloc()
	b, _ := p.Alloc()
	require.NoError(t, p.Free(a))
	// Not full, but a is back already; the handle must not be duplicated.
	assert.ErrorIs(t, p.Free(a+10), ErrDoubleFree)
	assert.Equal(t, 3, p.Available())

	// The tail bytes past the last frame are not a frame.
	assert.Error(t, p.Free(4*256+10))
	require.NoError(t, p.Free(b))

	seen := make(map[Frame]bool)
	for {
		f, ok := p.Alloc()
		if !ok {
			break
		}
		assert.False(t, seen[f], "frame %#x handed out twice", uint64(f))
		seen[f] = true
	}
	assert.Len(t, seen, 4)
}

func TestFramePoolSlice(t *testing.T) {
	p, err := NewFramePool(make([]byte, 2*128), 128)
	require.NoError(t, err)

	b, ok := p.slice(128+10, 20)
	require.True(t, ok)
	assert.Len(t, b, 20)

	_, ok = p.slice(100, 40)
	assert.False(t, ok)
	_, ok = p.slice(256, 1)
	assert.False(t, ok)
}

func TestNewFramePoolErrors(t *testing.T) {
	_, err := NewFramePool(make([]byte, 100), 256)
	assert.Error(t, err)
	_, err = NewFramePool(make([]byte, 100), 0)
	assert.Error(t, err)
}
