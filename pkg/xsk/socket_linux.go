//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 2048
)

// Config describes the socket Open creates.
type Config struct {
	Ifindex int
	QueueID uint32

	NumFrames uint32
	FrameSize uint32
	FillSize  uint32
	CompSize  uint32
	RxSize    uint32
	TxSize    uint32

	// Copy forces copy mode instead of trying zero-copy first.
	Copy bool

	Driver Options
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// ValidateAndSetDefaults fills unset sizes and checks the ring geometry.
func (c *Config) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	for _, sz := range []*uint32{&c.FillSize, &c.CompSize, &c.RxSize, &c.TxSize} {
		if *sz == 0 {
			*sz = DefaultRingSize
		}
		if !isPow2(*sz) {
			return fmt.Errorf("ring size %d is not a power of two", *sz)
		}
	}
	if pageSize := uint32(os.Getpagesize()); c.FrameSize > pageSize || !isPow2(c.FrameSize) {
		return fmt.Errorf("frame size %d must be a power of two no larger than the page size (%d)",
			c.FrameSize, pageSize)
	}
	if c.Ifindex <= 0 {
		return fmt.Errorf("invalid interface index %d", c.Ifindex)
	}
	return nil
}

// Socket is an AF_XDP socket bound to one interface queue, with its UMEM
// and mapped rings.
type Socket struct {
	fd       int
	zerocopy bool
	umem     []byte
	regions  [][]byte
	driver   *Driver
}

// Open creates the socket, registers the UMEM, maps the four rings and
// binds to cfg.Ifindex/cfg.QueueID. Every failure wraps ErrSetup.
func Open(cfg Config) (*Socket, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("%w: remove memlock: %w", ErrSetup, err)
	}

	s := &Socket{fd: -1}
	fail := func(format string, a ...any) (*Socket, error) {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", ErrSetup, fmt.Errorf(format, a...))
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fail("socket: %w", err)
	}
	s.fd = fd

	// Anonymous mappings are page aligned.
	umemLen := int(cfg.NumFrames) * int(cfg.FrameSize)
	s.umem, err = unix.Mmap(-1, 0, umemLen,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return fail("mmap umem: %w", err)
	}

	reg := unix.XDPUmemReg{
		Addr: uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:  uint64(len(s.umem)),
		Size: cfg.FrameSize,
	}
	if err := setsockopt(fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fail("setsockopt XDP_UMEM_REG: %w", err)
	}
	for _, o := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, cfg.FillSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, cfg.CompSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, cfg.RxSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, cfg.TxSize},
	} {
		if err := unix.SetsockoptInt(fd, unix.SOL_XDP, o.opt, int(o.size)); err != nil {
			return fail("setsockopt %s: %w", o.name, err)
		}
	}

	var offs unix.XDPMmapOffsets
	if err := getsockopt(fd, unix.XDP_MMAP_OFFSETS, unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return fail("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSize, addrSize := unsafe.Sizeof(Desc{}), unsafe.Sizeof(uint64(0))
	fillMem, err := s.mapRing(offs.Fr, cfg.FillSize, addrSize, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fail("mmap fill ring: %w", err)
	}
	compMem, err := s.mapRing(offs.Cr, cfg.CompSize, addrSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return fail("mmap completion ring: %w", err)
	}
	rxMem, err := s.mapRing(offs.Rx, cfg.RxSize, descSize, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return fail("mmap rx ring: %w", err)
	}
	txMem, err := s.mapRing(offs.Tx, cfg.TxSize, descSize, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return fail("mmap tx ring: %w", err)
	}

	fill := &addrRing{ring: ringAt(fillMem, offs.Fr, cfg.FillSize, true)}
	fill.addrs = unsafe.Slice((*uint64)(unsafe.Pointer(&fillMem[offs.Fr.Desc])), cfg.FillSize)
	comp := &addrRing{ring: ringAt(compMem, offs.Cr, cfg.CompSize, false)}
	comp.addrs = unsafe.Slice((*uint64)(unsafe.Pointer(&compMem[offs.Cr.Desc])), cfg.CompSize)
	rx := &descRing{ring: ringAt(rxMem, offs.Rx, cfg.RxSize, false)}
	rx.descs = unsafe.Slice((*Desc)(unsafe.Pointer(&rxMem[offs.Rx.Desc])), cfg.RxSize)
	tx := &descRing{ring: ringAt(txMem, offs.Tx, cfg.TxSize, true)}
	tx.descs = unsafe.Slice((*Desc)(unsafe.Pointer(&txMem[offs.Tx.Desc])), cfg.TxSize)

	pool, err := NewFramePool(s.umem, cfg.FrameSize)
	if err != nil {
		return fail("frame pool: %w", err)
	}
	s.driver = newDriver(pool, fill, comp, rx, tx, s, cfg.Driver)
	// Stock the fill queue before bind.
	s.driver.Refill()

	var wakeup uint16
	if !cfg.Driver.BusyPoll {
		wakeup = unix.XDP_USE_NEED_WAKEUP
	}
	sa := unix.RawSockaddrXDP{
		Family:   unix.AF_XDP,
		Ifindex:  uint32(cfg.Ifindex),
		Queue_id: cfg.QueueID,
		Flags:    unix.XDP_ZEROCOPY | wakeup,
	}
	if cfg.Copy {
		sa.Flags = unix.XDP_COPY | wakeup
	}
	err = rawBind(fd, &sa)
	if err != nil && !cfg.Copy && (errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EOPNOTSUPP)) {
		sa.Flags = unix.XDP_COPY | wakeup
		err = rawBind(fd, &sa)
	} else if err == nil && !cfg.Copy {
		s.zerocopy = true
	}
	if err != nil {
		return fail("bind ifindex %d queue %d: %w", cfg.Ifindex, cfg.QueueID, err)
	}
	return s, nil
}

func (s *Socket) mapRing(off unix.XDPRingOffset, size uint32, entry uintptr, pgoff int64) ([]byte, error) {
	length := int(uintptr(off.Desc) + uintptr(size)*entry)
	mem, err := unix.Mmap(s.fd, pgoff, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	s.regions = append(s.regions, mem)
	return mem, nil
}

func ringAt(mem []byte, off unix.XDPRingOffset, size uint32, producer bool) ring {
	prod := (*uint32)(unsafe.Pointer(&mem[off.Producer]))
	cons := (*uint32)(unsafe.Pointer(&mem[off.Consumer]))
	flags := (*uint32)(unsafe.Pointer(&mem[off.Flags]))
	return newRing(size, prod, cons, flags, producer)
}

// FD returns the socket descriptor, for registration in an XSK map.
func (s *Socket) FD() int { return s.fd }

// Zerocopy reports whether the bind succeeded in zero-copy mode.
func (s *Socket) Zerocopy() bool { return s.zerocopy }

// Driver returns the queue driver of the socket.
func (s *Socket) Driver() *Driver { return s.driver }

// Wakeup implements kernel: a zero-length sendto kicks TX processing.
func (s *Socket) Wakeup() error {
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	// Backpressure and a down link are retried on the next kick.
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENETDOWN) {
		return nil
	}
	return err
}

// Poll implements kernel.
func (s *Socket) Poll(timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// Close unmaps the rings and UMEM and closes the socket.
func (s *Socket) Close() error {
	var errs []error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, fmt.Errorf("munmap ring: %w", err))
		}
	}
	s.regions = nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, fmt.Errorf("munmap umem: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}

func rawBind(fd int, sa *unix.RawSockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen)
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}
