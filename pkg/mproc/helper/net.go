package helper

import (
	"net"
	"strconv"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

// Opens count listeners on the loopback interface, letting the
// kernel pick the ports, and returns them together with the
// location table they form. Used when forming a whole group
// inside a single OS process.
func LoopbackListeners(count int) ([]net.Listener, []types.Location, error) {
	listeners := make([]net.Listener, 0, count)
	locations := make([]types.Location, 0, count)
	for i := 0; i < count; i++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, nil, err
		}
		loc, err := LocationOf(lis.Addr().String())
		if err != nil {
			lis.Close()
			for _, l := range listeners {
				l.Close()
			}
			return nil, nil, err
		}
		listeners = append(listeners, lis)
		locations = append(locations, loc)
	}
	return listeners, locations, nil
}

// Parses a host:port address into a location.
func LocationOf(addr string) (types.Location, error) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return types.Location{}, err
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return types.Location{}, err
	}
	return types.Location{Host: host, Port: port}, nil
}
