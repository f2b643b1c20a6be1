package ports

import (
	"errors"
	"fmt"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// ErrNoCapacity is returned when every port in the range is occupied.
var ErrNoCapacity = errors.New("no free port in allocation range")

// ListenFunc reports the set of ports with a live listening socket.
type ListenFunc func() (map[int]bool, error)

// Allocator hands out ports from a fixed inclusive range, skipping ports
// that already have a listener. There is no reservation: a check-then-act
// race exists between Allocate and the service actually binding, accepted
// for single-operator use.
type Allocator struct {
	start, end int
	listening  ListenFunc
	logger     *logging.Logger
}

func NewAllocator(start, end int) *Allocator {
	return &Allocator{
		start:     start,
		end:       end,
		listening: listeningPorts,
		logger:    logging.GetLogger(),
	}
}

// Allocate returns the first free port in ascending order, or ErrNoCapacity.
func (a *Allocator) Allocate() (int, error) {
	busy, err := a.listening()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect listening sockets: %w", err)
	}

	for port := a.start; port <= a.end; port++ {
		if !busy[port] {
			a.logger.Info("Allocated port %d (range %d-%d)", port, a.start, a.end)
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w (%d-%d)", ErrNoCapacity, a.start, a.end)
}

// listeningPorts inspects the host socket table. TCP sockets count when in
// LISTEN state; UDP sockets count whenever bound, since they have no
// listen state.
func listeningPorts() (map[int]bool, error) {
	busy := make(map[int]bool)

	tcp, err := gnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	for _, c := range tcp {
		if c.Status == "LISTEN" {
			busy[int(c.Laddr.Port)] = true
		}
	}

	udp, err := gnet.Connections("udp")
	if err != nil {
		return nil, err
	}
	for _, c := range udp {
		busy[int(c.Laddr.Port)] = true
	}

	return busy, nil
}
