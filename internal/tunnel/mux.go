package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// mux is the user-space stream multiplexer carried over a single reliable
// byte connection (KCP or plain TCP): every frame has a
// 7-byte header — stream id (u32 BE), flags (u8), payload length (u16 BE) —
// followed by up to 65535 bytes of payload.
//
// Dialer-allocated stream ids are odd starting at 1; acceptor-allocated ids
// are even starting at 2, so both ends can allocate independently without
// colliding.
const (
	frameHeaderSize = 7
	maxFramePayload = 1<<16 - 1

	flagData byte = 0x00
	flagSyn  byte = 0x01
	flagFin  byte = 0x02
)

var (
	errMuxClosed     = errors.New("tunnel: multiplexer closed")
	errStreamClosed  = errors.New("tunnel: stream closed")
	errStreamAborted = errors.New("tunnel: stream reset by peer")
)

type muxConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// mux multiplexes many virtual streams over one muxConn.
type mux struct {
	conn muxConn

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*muxStream
	nextID  uint32

	acceptCh chan *muxStream

	closeOnce sync.Once
	closeErr  atomic.Value // error
	done      chan struct{}
}

func newMux(conn muxConn, isDialer bool) *mux {
	start := uint32(2)
	if isDialer {
		start = 1
	}
	m := &mux{
		conn:     conn,
		streams:  map[uint32]*muxStream{},
		nextID:   start,
		acceptCh: make(chan *muxStream, 128),
		done:     make(chan struct{}),
	}
	go m.receiveLoop()
	return m
}

func (m *mux) allocateID() uint32 {
	id := atomic.AddUint32(&m.nextID, 2)
	return id - 2
}

func (m *mux) writeFrame(id uint32, flags byte, data []byte) error {
	hdr := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(hdr[0:4], id)
	hdr[4] = flags
	binary.BigEndian.PutUint16(hdr[5:7], uint16(len(data)))
	copy(hdr[7:], data)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := m.conn.Write(hdr)
	return err
}

// writeData sends a DATA frame, splitting into multiple frames if needed.
func (m *mux) writeData(id uint32, data []byte) (int, error) {
	total := len(data)
	for len(data) > 0 {
		chunk := data
		if len(chunk) > maxFramePayload {
			chunk = chunk[:maxFramePayload]
		}
		if err := m.writeFrame(id, flagData, chunk); err != nil {
			return total - len(data), err
		}
		data = data[len(chunk):]
	}
	return total, nil
}

func (m *mux) registerStream(id uint32) *muxStream {
	s := &muxStream{
		id:     id,
		mx:     m,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()
	return s
}

func (m *mux) unregisterStream(id uint32) *muxStream {
	m.mu.Lock()
	s := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	return s
}

func (m *mux) lookupStream(id uint32) *muxStream {
	m.mu.Lock()
	s := m.streams[id]
	m.mu.Unlock()
	return s
}

// openStream allocates a fresh id, announces it with SYN, and returns the
// local handle. Used for both bidirectional and unidirectional opens; the
// caller decides whether to read from the returned stream.
func (m *mux) openStream(ctx context.Context) (*muxStream, error) {
	select {
	case <-m.done:
		return nil, m.CloseReason()
	default:
	}
	id := m.allocateID()
	s := m.registerStream(id)
	if err := m.writeFrame(id, flagSyn, nil); err != nil {
		m.unregisterStream(id)
		return nil, err
	}
	return s, nil
}

// acceptStream waits for a peer-initiated SYN.
func (m *mux) acceptStream(ctx context.Context) (*muxStream, error) {
	select {
	case s, ok := <-m.acceptCh:
		if !ok {
			return nil, m.CloseReason()
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, m.CloseReason()
	}
}

func (m *mux) receiveLoop() {
	hdr := make([]byte, frameHeaderSize)
	err := m.runReceiveLoop(hdr)
	m.teardown(err)
}

func (m *mux) runReceiveLoop(hdr []byte) error {
	for {
		if _, err := io.ReadFull(m.conn, hdr); err != nil {
			return err
		}
		id := binary.BigEndian.Uint32(hdr[0:4])
		flags := hdr[4]
		length := binary.BigEndian.Uint16(hdr[5:7])

		var data []byte
		if length > 0 {
			data = make([]byte, length)
			if _, err := io.ReadFull(m.conn, data); err != nil {
				return err
			}
		}

		switch flags {
		case flagSyn:
			s := m.registerStream(id)
			select {
			case m.acceptCh <- s:
			default:
				// Backlog full; drop the stream rather than block the
				// shared receive loop.
				m.unregisterStream(id)
			}
		case flagFin:
			if s := m.unregisterStream(id); s != nil {
				s.closeInbox(nil)
			}
		case flagData:
			if s := m.lookupStream(id); s != nil {
				select {
				case s.inbox <- data:
				case <-s.closed:
				}
			}
		}
	}
}

func (m *mux) teardown(reason error) {
	m.closeOnce.Do(func() {
		if reason == nil {
			reason = errMuxClosed
		}
		m.closeErr.Store(reason)
		// acceptCh stays open: the receive loop may still send on it, and
		// acceptStream watches done instead.
		close(m.done)

		m.mu.Lock()
		streams := m.streams
		m.streams = map[uint32]*muxStream{}
		m.mu.Unlock()

		for _, s := range streams {
			s.closeInbox(reason)
		}
		m.conn.Close()
	})
}

func (m *mux) CloseReason() error {
	v := m.closeErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

func (m *mux) Close() error {
	m.teardown(errMuxClosed)
	return nil
}

// muxStream is a virtual duplex stream multiplexed over a mux.
type muxStream struct {
	id uint32
	mx *mux

	inbox  chan []byte
	buf    []byte
	pos    int
	readErr error

	finishOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

func (s *muxStream) closeInbox(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.readErr = err
		}
		close(s.closed)
	})
}

func (s *muxStream) Read(p []byte) (int, error) {
	for s.pos >= len(s.buf) {
		select {
		case data, ok := <-s.inbox:
			if !ok {
				return 0, io.EOF
			}
			s.buf = data
			s.pos = 0
		case <-s.closed:
			select {
			case data, ok := <-s.inbox:
				if ok {
					s.buf = data
					s.pos = 0
					continue
				}
			default:
			}
			if s.readErr != nil && !errors.Is(s.readErr, errMuxClosed) {
				return 0, s.readErr
			}
			return 0, io.EOF
		}
	}
	n := copy(p, s.buf[s.pos:])
	s.pos += n
	return n, nil
}

func (s *muxStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errStreamClosed
	default:
	}
	return s.mx.writeData(s.id, p)
}

// Finish sends a FIN frame, announcing no more data. Idempotent.
func (s *muxStream) Finish() error {
	var err error
	s.finishOnce.Do(func() {
		err = s.mx.writeFrame(s.id, flagFin, nil)
	})
	return err
}

// Close tears the stream down immediately on both sides.
func (s *muxStream) Close() error {
	s.mx.unregisterStream(s.id)
	s.closeInbox(errStreamAborted)
	return s.Finish()
}

var (
	_ Stream     = (*muxStream)(nil)
	_ SendStream = (*muxStream)(nil)
	_ RecvStream = (*muxStream)(nil)
)

// muxConnection adapts a mux plus address metadata to the Connection
// interface shared by every transport variant carried over a single
// reliable byte stream (KCP, TCP).
type muxConnection struct {
	m             *mux
	local, remote net.Addr
}

func newMuxConnection(conn muxConn, isDialer bool, local, remote net.Addr) *muxConnection {
	return &muxConnection{m: newMux(conn, isDialer), local: local, remote: remote}
}

func (c *muxConnection) OpenStream(ctx context.Context) (Stream, error) {
	return c.m.openStream(ctx)
}

func (c *muxConnection) AcceptStream(ctx context.Context) (Stream, error) {
	return c.m.acceptStream(ctx)
}

func (c *muxConnection) OpenUniStream(ctx context.Context) (SendStream, error) {
	return c.m.openStream(ctx)
}

func (c *muxConnection) AcceptUniStream(ctx context.Context) (RecvStream, error) {
	return c.m.acceptStream(ctx)
}

func (c *muxConnection) RemoteAddr() net.Addr { return c.remote }
func (c *muxConnection) LocalAddr() net.Addr  { return c.local }
func (c *muxConnection) CloseReason() error   { return c.m.CloseReason() }
func (c *muxConnection) Close() error         { return c.m.Close() }

var _ Connection = (*muxConnection)(nil)
