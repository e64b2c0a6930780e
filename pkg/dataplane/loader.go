package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/psaab/bpfpp/pkg/stats"
)

// The hook object is built out of tree (clang -O2 -g -target bpf) and
// loaded at runtime by path; no generated bindings are compiled in.

// AttachMode selects how the XDP program is attached.
type AttachMode string

const (
	AttachAuto    AttachMode = ""
	AttachNative  AttachMode = "native"
	AttachGeneric AttachMode = "generic"
	AttachOffload AttachMode = "offload"
)

func (m AttachMode) flags() (link.XDPAttachFlags, error) {
	switch m {
	case AttachAuto:
		return 0, nil
	case AttachNative:
		return link.XDPDriverMode, nil
	case AttachGeneric:
		return link.XDPGenericMode, nil
	case AttachOffload:
		return link.XDPOffloadMode, nil
	}
	return 0, fmt.Errorf("unknown XDP attach mode %q (valid: native, generic, offload)", string(m))
}

// Options configures a Manager.
type Options struct {
	PinPath string
	Stats   stats.Options
}

// Manager manages the kernel hook: program, exported tables, and
// attachments.
type Manager struct {
	opts     Options
	loaded   bool
	programs map[string]*ebpf.Program
	maps     map[string]*ebpf.Map
	coll     *ebpf.Collection
	progName string
	xdpLinks map[int]link.Link
}

// New creates a new dataplane Manager.
func New(opts Options) *Manager {
	if opts.PinPath == "" {
		opts.PinPath = DefaultPinPath
	}
	opts.Stats = opts.Stats.WithDefaults()
	return &Manager{
		opts:     opts,
		programs: make(map[string]*ebpf.Program),
		maps:     make(map[string]*ebpf.Map),
		xdpLinks: make(map[int]link.Link),
	}
}

// Load loads the hook object at objectPath. See LoadSpec.
func (m *Manager) Load(objectPath string) error {
	slog.Info("loading eBPF object", "path", objectPath, "pin_path", m.opts.PinPath)

	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return fmt.Errorf("load collection spec %s: %w", objectPath, err)
	}
	if err := m.LoadSpec(spec); err != nil {
		return fmt.Errorf("%s: %w", objectPath, err)
	}
	return nil
}

// LoadSpec loads a parsed hook object. Every exported table is created (or
// reopened) pinned under the pin path, so readers in other processes see
// the tables the program writes. Tables the object declares keep the
// object's layout; the rest are created from MapSpecs so readers always
// find a complete set.
func (m *Manager) LoadSpec(spec *ebpf.CollectionSpec) error {
	spec = spec.Copy()
	progName, err := findProgram(spec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.opts.PinPath, 0o755); err != nil {
		return fmt.Errorf("create pin path: %w", err)
	}

	replacements := make(map[string]*ebpf.Map)
	for name, ms := range MapSpecs(m.opts.Stats) {
		declared, ok := spec.Maps[name]
		switch {
		case ok:
			ms = declared.Copy()
			if name != MapXSKs {
				ms.Pinning = ebpf.PinByName
			}
		case name == MapXSKs:
			continue
		default:
			slog.Debug("table not declared by hook object, creating", "map", name)
		}
		em, err := ebpf.NewMapWithOptions(ms, ebpf.MapOptions{PinPath: m.opts.PinPath})
		if err != nil {
			m.closeMaps()
			if errors.Is(err, ebpf.ErrMapIncompatible) {
				return fmt.Errorf("create map %s: %w (stale pin, run bpfppctl cleanup)", name, err)
			}
			return fmt.Errorf("create map %s: %w", name, err)
		}
		m.maps[name] = em
		if ok {
			replacements[name] = em
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		MapReplacements: replacements,
	})
	if err != nil {
		m.closeMaps()
		return fmt.Errorf("create collection: %w", err)
	}
	m.coll = coll
	for name, p := range coll.Programs {
		m.programs[name] = p
	}
	m.progName = progName

	m.loaded = true
	slog.Info("eBPF object loaded", "program", progName, "maps", len(m.maps))
	return nil
}

// findProgram returns the name of the XDP entry point: the program in
// ProgramSection, or else the only XDP program. Its type is forced to XDP
// since custom section names carry no program type.
func findProgram(spec *ebpf.CollectionSpec) (string, error) {
	var name string
	var xdp []string
	for n, ps := range spec.Programs {
		if ps.SectionName == ProgramSection {
			name = n
		}
		if ps.Type == ebpf.XDP {
			xdp = append(xdp, n)
		}
	}
	if name == "" {
		if len(xdp) != 1 {
			return "", fmt.Errorf("no program in section %s and %d XDP programs", ProgramSection, len(xdp))
		}
		name = xdp[0]
	}
	if ps := spec.Programs[name]; ps.Type == ebpf.UnspecifiedProgram {
		ps.Type = ebpf.XDP
	}
	return name, nil
}

// Reuse opens the pinned tables of a running hook without loading a
// program. Only the readers and Cleanup are usable afterwards.
func (m *Manager) Reuse() error {
	for name, ms := range MapSpecs(m.opts.Stats) {
		if ms.Pinning != ebpf.PinByName {
			continue
		}
		em, err := ebpf.LoadPinnedMap(filepath.Join(m.opts.PinPath, name), nil)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			m.closeMaps()
			return fmt.Errorf("open pinned map %s: %w", name, err)
		}
		m.maps[name] = em
	}
	if len(m.maps) == 0 {
		return fmt.Errorf("no pinned tables under %s", m.opts.PinPath)
	}
	return nil
}

// IsLoaded returns true if the hook program is loaded.
func (m *Manager) IsLoaded() bool {
	return m.loaded
}

// AttachXDP attaches the hook program to the given interface.
func (m *Manager) AttachXDP(ifindex int, mode AttachMode) error {
	if !m.loaded {
		return fmt.Errorf("eBPF program not loaded")
	}

	prog, ok := m.programs[m.progName]
	if !ok {
		return fmt.Errorf("program %s not found", m.progName)
	}

	if _, exists := m.xdpLinks[ifindex]; exists {
		return fmt.Errorf("XDP already attached to ifindex %d", ifindex)
	}

	flags, err := mode.flags()
	if err != nil {
		return err
	}
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
		Flags:     flags,
	})
	if err != nil {
		return fmt.Errorf("attach XDP to ifindex %d: %w", ifindex, err)
	}

	m.xdpLinks[ifindex] = l
	slog.Info("attached XDP program", "ifindex", ifindex, "mode", string(mode))
	return nil
}

// DetachXDP detaches the hook program from the given interface.
func (m *Manager) DetachXDP(ifindex int) error {
	l, exists := m.xdpLinks[ifindex]
	if !exists {
		return nil
	}
	if err := l.Close(); err != nil {
		return fmt.Errorf("detach XDP from ifindex %d: %w", ifindex, err)
	}
	delete(m.xdpLinks, ifindex)
	slog.Info("detached XDP program", "ifindex", ifindex)
	return nil
}

// RegisterXSK directs frames the hook redirects on queue to the AF_XDP
// socket fd.
func (m *Manager) RegisterXSK(queue uint32, fd int) error {
	xm, ok := m.maps[MapXSKs]
	if !ok {
		return fmt.Errorf("%s map not found", MapXSKs)
	}
	if err := xm.Update(queue, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("register xsk queue %d: %w", queue, err)
	}
	return nil
}

// Map returns a named eBPF map, or nil if not found.
func (m *Manager) Map(name string) *ebpf.Map {
	return m.maps[name]
}

// Close detaches everything and releases the handles. Pinned tables stay
// in place for readers; use Cleanup to remove them.
func (m *Manager) Close() error {
	var errs []error
	for ifindex := range m.xdpLinks {
		if err := m.DetachXDP(ifindex); err != nil {
			errs = append(errs, err)
		}
	}
	if m.coll != nil {
		m.coll.Close()
		m.coll = nil
	}
	m.closeMaps()
	m.programs = make(map[string]*ebpf.Program)
	m.progName = ""
	m.loaded = false
	return errors.Join(errs...)
}

func (m *Manager) closeMaps() {
	for name, em := range m.maps {
		em.Close()
		delete(m.maps, name)
	}
}

// Cleanup removes all pinned tables and the pin directory.
func (m *Manager) Cleanup() error {
	var errs []error
	for name := range MapSpecs(m.opts.Stats) {
		path := filepath.Join(m.opts.PinPath, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("unpin %s: %w", name, err))
		}
	}
	if err := os.Remove(m.opts.PinPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove %s: %w", m.opts.PinPath, err))
	}
	if len(errs) == 0 {
		slog.Info("removed pinned tables", "pin_path", m.opts.PinPath)
	}
	return errors.Join(errs...)
}
