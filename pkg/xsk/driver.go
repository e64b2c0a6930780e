// Package xsk drives an AF_XDP socket: a frame pool over the shared region
// plus the fill, RX, TX and completion queues exchanged with the kernel.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - Fill: free frames userspace hands to the kernel for RX.
//   - RX: received frames the kernel hands to userspace.
//   - TX: frames userspace hands to the kernel to send.
//   - Completion: sent frames the kernel hands back.
package xsk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/psaab/bpfpp/pkg/bounce"
)

// ErrSetup wraps every failure to create the socket and its queues.
var ErrSetup = errors.New("xsk setup failed")

const (
	DefaultBatchSize   = 64
	DefaultPollTimeout = 100 * time.Millisecond
)

// Handler decides the fate of one received frame. Frames it returns
// bounce.Transmit for are queued on TX in place; all others go back to the
// pool.
type Handler func(frame []byte) bounce.Verdict

// kernel is the other end of the queues.
type kernel interface {
	// Wakeup kicks the kernel to process the TX queue.
	Wakeup() error
	// Poll waits until RX has entries or the timeout passes.
	Poll(timeout time.Duration) error
}

// Options tunes the driver loop.
type Options struct {
	// BatchSize bounds the RX and completion entries handled per call.
	BatchSize uint32
	// HeartbeatInterval, when non-zero, makes Run originate a heartbeat
	// frame at this rate.
	HeartbeatInterval time.Duration
	// BusyPoll spins instead of sleeping in poll(2) when RX is empty.
	BusyPoll bool
	// PollTimeout bounds each poll(2) wait.
	PollTimeout time.Duration
	// Template is the frame Heartbeat sends.
	Template []byte
}

func (o *Options) setDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
}

// Occupancy counts frames held by each owner. When the kernel is idle the
// fields sum to the pool size.
type Occupancy struct {
	Free       int `json:"free"`
	Fill       int `json:"fill"`
	RX         int `json:"rx"`
	TX         int `json:"tx"`
	Completion int `json:"completion"`
}

// Total returns the sum of all owners.
func (o Occupancy) Total() int {
	return o.Free + o.Fill + o.RX + o.TX + o.Completion
}

// Stats are cumulative driver counters.
type Stats struct {
	RxFrames          uint64 `json:"rx_frames"`
	TxFrames          uint64 `json:"tx_frames"`
	TxRingFull        uint64 `json:"tx_ring_full"`
	Completed         uint64 `json:"completed"`
	InvalidDescs      uint64 `json:"invalid_descs"`
	InvalidFrees      uint64 `json:"invalid_frees"`
	Heartbeats        uint64 `json:"heartbeats"`
	HeartbeatFailures uint64 `json:"heartbeat_failures"`
}

type counters struct {
	rx, tx, txFull, completed, invalid, badFree, hb, hbFail atomic.Uint64
}

// Driver moves frames between the pool and the four queues. Stats and
// Occupancy may be called from any goroutine; all other methods must be
// called from the one goroutine driving the queues.
type Driver struct {
	opts Options
	pool *FramePool
	fill *addrRing
	comp *addrRing
	rx   *descRing
	tx   *descRing
	k    kernel
	ctrs counters

	occ  atomic.Pointer[Occupancy]
	last Occupancy
}

func newDriver(pool *FramePool, fill, comp *addrRing, rx, tx *descRing, k kernel, opts Options) *Driver {
	opts.setDefaults()
	d := &Driver{opts: opts, pool: pool, fill: fill, comp: comp, rx: rx, tx: tx, k: k}
	d.publish()
	return d
}

// Pool returns the frame pool.
func (d *Driver) Pool() *FramePool { return d.pool }

// Occupancy reports where every frame was at the end of the driver's last
// operation.
func (d *Driver) Occupancy() Occupancy {
	return *d.occ.Load()
}

// occupancy counts the owners now. Driver goroutine only.
func (d *Driver) occupancy() Occupancy {
	return Occupancy{
		Free:       d.pool.Available(),
		Fill:       int(d.fill.pending()),
		RX:         int(d.rx.pending()),
		TX:         int(d.tx.pending()),
		Completion: int(d.comp.pending()),
	}
}

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() Stats {
	return Stats{
		RxFrames:          d.ctrs.rx.Load(),
		TxFrames:          d.ctrs.tx.Load(),
		TxRingFull:        d.ctrs.txFull.Load(),
		Completed:         d.ctrs.completed.Load(),
		InvalidDescs:      d.ctrs.invalid.Load(),
		InvalidFrees:      d.ctrs.badFree.Load(),
		Heartbeats:        d.ctrs.hb.Load(),
		HeartbeatFailures: d.ctrs.hbFail.Load(),
	}
}

// publish makes the current occupancy visible to Occupancy. A new
// snapshot is stored only when the counts changed.
func (d *Driver) publish() {
	o := d.occupancy()
	if d.occ.Load() != nil && o == d.last {
		return
	}
	d.last = o
	d.occ.Store(&o)
}

// release returns f to the pool, counting frames the pool refuses.
func (d *Driver) release(f Frame) {
	if err := d.pool.Free(f); err != nil {
		d.ctrs.badFree.Add(1)
		slog.Debug("xsk frame release refused", "err", err)
	}
}

// Refill moves as many free frames into the fill queue as it has room for.
func (d *Driver) Refill() int {
	defer d.publish()
	n := min(uint32(d.pool.Available()), d.fill.free(d.fill.size))
	if n == 0 {
		return 0
	}
	idx, ok := d.fill.reserve(n)
	if !ok {
		return 0
	}
	for i := range n {
		f, _ := d.pool.Alloc()
		d.fill.addrs[(idx+i)&d.fill.mask] = uint64(f)
	}
	d.fill.submit()
	return int(n)
}

// Receive consumes up to one batch of RX descriptors, handing each frame
// to h. It returns the number of descriptors consumed.
func (d *Driver) Receive(h Handler) int {
	defer d.publish()
	n := d.rx.avail(d.opts.BatchSize)
	if n == 0 {
		return 0
	}

	var queued uint32
	for i := range n {
		desc := d.rx.descs[(d.rx.cachedCons+i)&d.rx.mask]
		data, ok := d.pool.slice(desc.Addr, desc.Len)
		if !ok {
			d.ctrs.invalid.Add(1)
			d.release(Frame(desc.Addr))
			continue
		}
		if h(data) == bounce.Transmit {
			if idx, ok := d.tx.reserve(1); ok {
				d.tx.descs[idx&d.tx.mask] = Desc{Addr: desc.Addr, Len: desc.Len}
				queued++
				continue
			}
			d.ctrs.txFull.Add(1)
		}
		d.release(Frame(desc.Addr))
	}
	d.rx.release(n)
	d.ctrs.rx.Add(uint64(n))

	if queued > 0 {
		d.tx.submit()
		d.ctrs.tx.Add(uint64(queued))
		d.kick()
	}
	return int(n)
}

// CompleteTx reclaims sent frames from the completion queue into the pool.
func (d *Driver) CompleteTx() int {
	defer d.publish()
	n := d.comp.avail(d.opts.BatchSize)
	if n == 0 {
		return 0
	}
	for i := range n {
		d.release(Frame(d.comp.addrs[(d.comp.cachedCons+i)&d.comp.mask]))
	}
	d.comp.release(n)
	d.ctrs.completed.Add(uint64(n))
	return int(n)
}

// Heartbeat sends one copy of the template frame. It returns false when no
// frame or no TX slot is available; the frame is then left in the pool.
func (d *Driver) Heartbeat() bool {
	f, ok := d.pool.Alloc()
	if !ok {
		d.ctrs.hbFail.Add(1)
		return false
	}
	n := copy(d.pool.Data(f), d.opts.Template)

	idx, ok := d.tx.reserve(1)
	if !ok {
		d.release(f)
		d.ctrs.hbFail.Add(1)
		return false
	}
	d.tx.descs[idx&d.tx.mask] = Desc{Addr: uint64(f), Len: uint32(n)}
	d.tx.submit()
	d.ctrs.tx.Add(1)
	d.ctrs.hb.Add(1)

	d.kick()
	d.CompleteTx()
	return true
}

// Bench sends up to n heartbeats back to back and reports how many went
// out and how long it took.
func (d *Driver) Bench(n int) (int, time.Duration) {
	start := time.Now()
	sent := 0
	for sent < n && d.Heartbeat() {
		sent++
	}
	return sent, time.Since(start)
}

func (d *Driver) kick() {
	if !d.tx.needWakeup() {
		return
	}
	if err := d.k.Wakeup(); err != nil {
		slog.Debug("xsk tx wakeup failed", "err", err)
	}
}

// Run polls the queues until ctx is cancelled, handing every received
// frame to h.
func (d *Driver) Run(ctx context.Context, h Handler) error {
	slog.Info("xsk driver started",
		"frames", d.pool.Len(),
		"batch", d.opts.BatchSize,
		"heartbeat", d.opts.HeartbeatInterval,
		"busy_poll", d.opts.BusyPoll)

	var next time.Time
	for {
		select {
		case <-ctx.Done():
			slog.Info("xsk driver stopped")
			return nil
		default:
		}

		d.Refill()
		n := d.Receive(h)
		d.CompleteTx()

		if d.opts.HeartbeatInterval > 0 && len(d.opts.Template) > 0 {
			if now := time.Now(); !now.Before(next) {
				d.Heartbeat()
				next = now.Add(d.opts.HeartbeatInterval)
			}
		}

		if n == 0 && !d.opts.BusyPoll {
			if err := d.k.Poll(d.opts.PollTimeout); err != nil {
				return fmt.Errorf("xsk poll: %w", err)
			}
		}
	}
}
