// Package dataplane attaches the ping-pong XDP hook and exports its
// latency tables as pinned eBPF maps.
package dataplane

import (
	"github.com/cilium/ebpf"

	"github.com/psaab/bpfpp/pkg/stats"
)

// Compile-time assertion that Manager implements DataPlane.
var _ DataPlane = (*Manager)(nil)

// DataPlane defines the operations the daemon needs from the kernel hook.
type DataPlane interface {
	stats.Source

	// Lifecycle
	Load(objectPath string) error
	LoadSpec(spec *ebpf.CollectionSpec) error
	Reuse() error
	IsLoaded() bool
	Close() error
	Cleanup() error

	// Program attachment
	AttachXDP(ifindex int, mode AttachMode) error
	DetachXDP(ifindex int) error
	RegisterXSK(queue uint32, fd int) error

	// Tables
	Map(name string) *ebpf.Map
	SideTable(kind stats.Kind) ([][]uint64, error)
}
