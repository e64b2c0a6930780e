//go:build !linux

package daemon

import (
	"fmt"

	"github.com/psaab/bpfpp/pkg/xsk"
)

func openRing(xskSettings) (ringSocket, error) {
	return nil, fmt.Errorf("%w: AF_XDP requires linux", xsk.ErrSetup)
}
