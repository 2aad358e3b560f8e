package core

import (
	"encoding/gob"
	"errors"
	"net"
	"sync"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

var (
	// Returned when writing towards a process the group has no
	// usable connection to.
	ErrNotConnected = errors.New("no connection to target process")
)

// One duplex stream to another process of the group, framed by the
// codec. The entry for the local process is a distinguished marker
// carrying no connection.
type peerConn struct {
	// Identifier of the process on the other side. Negative until
	// the connection is identified by a bootstrap or an identify
	// message.
	id types.ProcessID

	loc  types.Location
	conn net.Conn
	enc  *gob.Encoder

	// Marks the local process entry.
	self bool
}

// Writes one frame. Only the event loop goroutine writes, so the
// encoder needs no locking.
func (pc *peerConn) send(m *types.Message) error {
	if pc.self || pc.conn == nil {
		return ErrNotConnected
	}
	return pc.enc.Encode(m)
}

// What a connection reader hands to the event loop. Either one
// decoded frame or the error that ended the connection.
type envelope struct {
	pc  *peerConn
	msg *types.Message
	err error
}

// Owns the listening socket and one reader goroutine per
// connection, feeding every inbound frame into a single channel
// consumed by the event loop.
type transport struct {
	lis     net.Listener
	inbox   chan envelope
	stop    chan struct{}
	invoker Invoker
	logger  types.Logger

	mu    sync.Mutex
	conns []net.Conn
}

func newTransport(lis net.Listener, depth int, invoker Invoker, logger types.Logger) *transport {
	return &transport{
		lis:     lis,
		inbox:   make(chan envelope, depth),
		stop:    make(chan struct{}),
		invoker: invoker,
		logger:  logger,
	}
}

func (t *transport) start() {
	if t.lis != nil {
		t.invoker.Spawn(t.accept)
	}
}

// Accepts inbound connections until the listener closes. An accept
// failure is logged and the loop continues.
func (t *transport) accept() {
	for {
		conn, err := t.lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.stop:
				return
			default:
			}
			t.logger.Errorf("failed accepting connection. %v", err)
			continue
		}
		t.track(conn)
		pc := &peerConn{id: -1, conn: conn, enc: gob.NewEncoder(conn)}
		t.invoker.Spawn(func() { t.reader(pc) })
	}
}

// Opens the outbound side of a peer pair, registering a reader for
// the inbound direction of the same connection.
func (t *transport) dial(id types.ProcessID, loc types.Location) (*peerConn, error) {
	conn, err := net.Dial("tcp", loc.Addr())
	if err != nil {
		return nil, err
	}
	t.track(conn)
	pc := &peerConn{id: id, loc: loc, conn: conn, enc: gob.NewEncoder(conn)}
	t.invoker.Spawn(func() { t.reader(pc) })
	return pc, nil
}

// Decodes exactly one frame at a time, handing each to the event
// loop in arrival order. The error that breaks the stream is
// delivered as the final envelope.
func (t *transport) reader(pc *peerConn) {
	dec := gob.NewDecoder(pc.conn)
	for {
		msg := new(types.Message)
		if err := dec.Decode(msg); err != nil {
			t.deliver(envelope{pc: pc, err: err})
			return
		}
		if !t.deliver(envelope{pc: pc, msg: msg}) {
			return
		}
	}
}

func (t *transport) deliver(env envelope) bool {
	select {
	case t.inbox <- env:
		return true
	case <-t.stop:
		return false
	}
}

func (t *transport) track(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns = append(t.conns, conn)
}

// Stops accepting, closes every connection and releases the
// readers.
func (t *transport) close() {
	close(t.stop)
	if t.lis != nil {
		t.lis.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = nil
}
