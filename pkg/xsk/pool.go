package xsk

import (
	"errors"
	"fmt"
)

// Frame is a handle to one fixed-size buffer of the shared region: its
// byte offset from the start of the region (the UMEM address).
type Frame uint64

// ErrDoubleFree reports a Free of a frame the pool already holds.
var ErrDoubleFree = errors.New("frame already free")

// FramePool is the userspace free list of frames. A frame is owned by
// exactly one of: the pool, the fill queue, the RX queue, the TX queue or
// the completion queue. Ownership moves by passing the handle.
//
// FramePool is not safe for concurrent use.
type FramePool struct {
	mem       []byte
	frameSize uint64
	free      []Frame
	held      []bool // by frame index
}

// NewFramePool splits mem into frames of frameSize bytes, all initially
// free.
func NewFramePool(mem []byte, frameSize uint32) (*FramePool, error) {
	if frameSize == 0 {
		return nil, fmt.Errorf("frame size must be positive")
	}
	n := len(mem) / int(frameSize)
	if n == 0 {
		return nil, fmt.Errorf("region of %d bytes holds no %d-byte frame", len(mem), frameSize)
	}
	p := &FramePool{
		mem:       mem,
		frameSize: uint64(frameSize),
		free:      make([]Frame, n),
		held:      make([]bool, n),
	}
	// Stack top hands out frame 0 first.
	for i := range p.free {
		p.free[i] = Frame(uint64(n-1-i) * p.frameSize)
		p.held[i] = true
	}
	return p, nil
}

// Len returns the total number of frames N.
func (p *FramePool) Len() int { return cap(p.free) }

// Available returns the number of frames currently in the pool.
func (p *FramePool) Available() int { return len(p.free) }

// FrameSize returns the size of each frame in bytes.
func (p *FramePool) FrameSize() uint32 { return uint32(p.frameSize) }

// Alloc takes a frame from the pool. It returns false when none is free.
func (p *FramePool) Alloc() (Frame, bool) {
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	f := p.free[n-1]
	p.free = p.free[:n-1]
	p.held[uint64(f)/p.frameSize] = false
	return f, true
}

// Free returns f to the pool. Any address inside a frame identifies that
// frame. A frame outside the region or already in the pool is refused and
// the pool is left unchanged.
func (p *FramePool) Free(f Frame) error {
	i := uint64(f) / p.frameSize
	if i >= uint64(len(p.held)) {
		return fmt.Errorf("frame %#x outside the %d-frame region", uint64(f), len(p.held))
	}
	base := p.frameOf(uint64(f))
	if p.held[i] {
		return fmt.Errorf("%w: %#x", ErrDoubleFree, uint64(base))
	}
	p.held[i] = true
	p.free = append(p.free, base)
	return nil
}

// Data returns the full buffer of f.
func (p *FramePool) Data(f Frame) []byte {
	start := uint64(p.frameOf(uint64(f)))
	end := start + p.frameSize
	return p.mem[start:end:end]
}

// slice returns length bytes at addr, or false when they leave the frame
// containing addr.
func (p *FramePool) slice(addr uint64, length uint32) ([]byte, bool) {
	base := uint64(p.frameOf(addr))
	end := addr + uint64(length)
	if !p.contains(addr) || end > base+p.frameSize || end > uint64(len(p.mem)) {
		return nil, false
	}
	return p.mem[addr:end:end], true
}

func (p *FramePool) contains(addr uint64) bool {
	return addr < uint64(len(p.mem))
}

func (p *FramePool) frameOf(addr uint64) Frame {
	return Frame(addr - addr%p.frameSize)
}
