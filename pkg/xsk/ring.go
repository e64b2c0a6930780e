package xsk

import "sync/atomic"

// Desc mirrors struct xdp_desc: one RX or TX descriptor.
type Desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// ringNeedWakeup is XDP_RING_NEED_WAKEUP in the ring flags word.
const ringNeedWakeup = 1

// ring holds the index state of one single-producer single-consumer queue
// shared with the kernel. Userspace owns one side (producer or consumer)
// and keeps a cached copy of the other side's index, refreshing it only
// when the cached view runs out.
type ring struct {
	// cachedProd is the local producer index. On producer rings it runs
	// ahead of *prod until submit; on consumer rings it is the last seen
	// value of *prod.
	cachedProd uint32
	// cachedCons is the local consumer index. On producer rings it holds
	// the last seen *cons plus size, so cachedCons-cachedProd is the number
	// of free slots.
	cachedCons uint32

	mask uint32
	size uint32

	prod  *uint32
	cons  *uint32
	flags *uint32
}

func newRing(size uint32, prod, cons, flags *uint32, producer bool) ring {
	r := ring{mask: size - 1, size: size, prod: prod, cons: cons, flags: flags}
	if producer {
		r.cachedProd = atomic.LoadUint32(prod)
		r.cachedCons = atomic.LoadUint32(cons) + size
	} else {
		r.cachedCons = atomic.LoadUint32(cons)
		r.cachedProd = r.cachedCons
	}
	return r
}

// free returns the number of slots a producer can fill, refreshing the
// consumer index when fewer than n are known to be free.
func (r *ring) free(n uint32) uint32 {
	free := r.cachedCons - r.cachedProd
	if free >= n {
		return free
	}
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	return r.cachedCons - r.cachedProd
}

// reserve claims n producer slots starting at the returned index.
func (r *ring) reserve(n uint32) (uint32, bool) {
	if r.free(n) < n {
		return 0, false
	}
	idx := r.cachedProd
	r.cachedProd += n
	return idx, true
}

// submit publishes reserved slots to the consumer.
func (r *ring) submit() {
	atomic.StoreUint32(r.prod, r.cachedProd)
}

// avail returns up to n entries ready for a consumer.
func (r *ring) avail(n uint32) uint32 {
	entries := r.cachedProd - r.cachedCons
	if entries == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		entries = r.cachedProd - r.cachedCons
	}
	return min(entries, n)
}

// release hands n consumed entries back to the producer.
func (r *ring) release(n uint32) {
	r.cachedCons += n
	atomic.StoreUint32(r.cons, r.cachedCons)
}

// pending is the number of published entries not yet consumed.
func (r *ring) pending() uint32 {
	return atomic.LoadUint32(r.prod) - atomic.LoadUint32(r.cons)
}

func (r *ring) needWakeup() bool {
	return r.flags == nil || atomic.LoadUint32(r.flags)&ringNeedWakeup != 0
}

// addrRing carries bare frame addresses: the fill and completion queues.
type addrRing struct {
	ring
	addrs []uint64
}

// descRing carries descriptors: the RX and TX queues.
type descRing struct {
	ring
	descs []Desc
}
