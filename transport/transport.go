// Package transport owns the UDP socket and the request/response
// correlation that turns raw KRPC datagrams into synchronous-looking calls,
// adapted from the teacher's remoteNode socket-reading loop.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mldht/arena"
	"mldht/krpc"
	"mldht/logger"
)

// MaxPacketSize bounds a single UDP datagram read, matching the teacher's
// remoteNode.MaxUDPPacketSize.
const MaxPacketSize = 4096

// DefaultRequestTimeout is how long RequestWithTimeout waits for a reply
// before giving up, per spec.md §4.5. Request itself waits as long as its
// context allows.
const DefaultRequestTimeout = 5 * time.Second

// arenaBlocks is the number of pre-allocated read buffers. readLoop pops one
// buffer per datagram and pushes it back as soon as the datagram is decoded,
// so only one block is in use at a time.
const arenaBlocks = 3

// Transport owns a UDP socket, decodes/encodes KRPC messages over it, and
// correlates outgoing queries with their replies via transactionMap.
// Inbound queries (as opposed to replies to our own requests) are delivered
// on Queries for the query handler to process.
type Transport struct {
	conn *net.UDPConn
	log  logger.DebugLogger

	txns *transactionMap

	Queries chan Packet

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	buffers arena.Arena
}

// Listen opens a UDP4 socket at addr (host:port, port 0 picks an ephemeral
// port) and returns a Transport ready to Start. Per spec.md's Non-goals,
// only IPv4 is supported.
func Listen(addr string, log logger.DebugLogger) (*Transport, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, errors.New("transport: expected a UDP connection")
	}
	return &Transport{
		conn:    udpConn,
		log:     log,
		txns:    newTransactionMap(),
		Queries: make(chan Packet),
		stop:    make(chan struct{}),
		buffers: arena.NewArena(MaxPacketSize, arenaBlocks),
	}, nil
}

// LocalAddr returns the socket's bound local address, useful after binding
// to port 0.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the read-dispatch loop in the background. Call Close to
// stop it and release the socket.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.readLoop()
}

// Close stops the read loop, closes the socket and wakes every pending
// Request with ErrTransactionClosed.
func (t *Transport) Close() error {
	var err error
	t.stopped.Do(func() {
		close(t.stop)
		err = t.conn.Close()
		t.txns.closeAll()
	})
	t.wg.Wait()
	return err
}

// readLoop pulls datagrams off the socket, decodes them, and either
// delivers them to a waiting Request or forwards them to Queries for
// inbound query handling.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		buf := t.buffers.Pop()
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.buffers.Push(buf)
			select {
			case <-t.stop:
				return
			default:
				t.log.Debugf("transport: read error: %v", err)
				continue
			}
		}
		buf = buf[:n]
		if n == MaxPacketSize {
			t.log.Debugf("transport: packet from %s hit the %d-byte cap, may be truncated", addr, MaxPacketSize)
		}

		msg, err := krpc.Decode(buf)
		t.buffers.Push(buf)
		if err != nil {
			t.log.Debugf("transport: malformed packet from %s: %v", addr, err)
			continue
		}

		packet := Packet{Msg: msg, Addr: *addr}
		if msg.Type == krpc.TypeQuery {
			select {
			case t.Queries <- packet:
			case <-t.stop:
				return
			}
			continue
		}
		if !t.txns.deliver(packet) {
			t.log.Debugf("transport: no pending transaction for id %q from %s", msg.TransactionID, addr)
		}
	}
}

// Send writes msg to addr without waiting for any reply, used to answer
// queries and to send fire-and-forget queries like announce_peer acks.
func (t *Transport) Send(addr net.UDPAddr, msg krpc.Message) error {
	encoded, err := krpc.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "transport: encode")
	}
	_, err = t.conn.WriteToUDP(encoded, &addr)
	return errors.Wrap(err, "transport: write")
}

// Request sends a query to addr and blocks until a matching response or
// error arrives, ctx is done, or the transport is closed. The transaction
// is registered before the datagram is written, so a reply racing the
// send's return can never be missed.
func (t *Transport) Request(ctx context.Context, addr net.UDPAddr, query func(txID string) krpc.Message) (krpc.Message, error) {
	id, ch := t.txns.register()
	msg := query(id)
	if err := t.Send(addr, msg); err != nil {
		t.txns.cancel(id)
		return krpc.Message{}, err
	}
	select {
	case p, ok := <-ch:
		if !ok {
			return krpc.Message{}, ErrTransactionClosed
		}
		return p.Msg, nil
	case <-ctx.Done():
		t.txns.cancel(id)
		return krpc.Message{}, ctx.Err()
	case <-t.stop:
		return krpc.Message{}, ErrTransactionClosed
	}
}

// RequestWithTimeout is Request with a DefaultRequestTimeout context,
// matching spec.md §4.5's default query timeout. A deadline elapsing before
// any reply arrives is reported as ErrRequestTimeout rather than the bare
// context.DeadlineExceeded Request itself returns.
func (t *Transport) RequestWithTimeout(addr net.UDPAddr, query func(txID string) krpc.Message) (krpc.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	msg, err := t.Request(ctx, addr, query)
	if errors.Is(err, context.DeadlineExceeded) {
		return krpc.Message{}, ErrRequestTimeout
	}
	return msg, err
}
