//go:build linux

package daemon

import "github.com/psaab/bpfpp/pkg/xsk"

func openRing(s xskSettings) (ringSocket, error) {
	sock, err := xsk.Open(xsk.Config{
		Ifindex:   s.Ifindex,
		QueueID:   s.QueueID,
		NumFrames: s.NumFrames,
		FrameSize: s.FrameSize,
		FillSize:  s.RingSize,
		CompSize:  s.RingSize,
		RxSize:    s.RingSize,
		TxSize:    s.RingSize,
		Copy:      s.Copy,
		Driver:    s.Driver,
	})
	if err != nil {
		return nil, err
	}
	return sock, nil
}
