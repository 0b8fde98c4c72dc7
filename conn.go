package framesock

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the receiver is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send channel buffer.
	defaultBufferSize = 1
	// defaultReadChunkSize is the default number of bytes requested per read (32KB).
	defaultReadChunkSize = 32 * 1024
	// defaultHeartbeat is the default heartbeat interval.
	defaultHeartbeat = 30 * time.Second
)

// Conn is a framed TCP connection.
//
// Received bytes are fed, chunk by chunk as the socket delivers them, into a
// Reassembler owned by this Conn; every complete payload is decoded with the
// Codec and handed to the OnMessage callback. Outgoing messages are encoded
// and wrapped in a frame before they are queued.
type Conn struct {
	id          string
	rawConn     *net.TCPConn
	reassembler *Reassembler
	encoder     Encoder
	logger      Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConn creates a new framed connection around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if the OnMessage callback is missing.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// Dial connects to addr and returns a framed connection. Run must be called
// to start exchanging messages.
func Dial(ctx context.Context, addr string, opt ...Option) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	conn, err := NewConn(raw.(*net.TCPConn), opt...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxPayload == 0 {
		opts.maxPayload = DefaultMaxPayload
	}

	if opts.readChunkSize <= 0 {
		opts.readChunkSize = defaultReadChunkSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.codec == nil {
		opts.codec = RawCodec{}
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConnWithOptions(c *net.TCPConn, opts options) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		rawConn:     c,
		reassembler: NewReassembler(opts.maxPayload),
		encoder:     NewEncoder(opts.maxPayload),
		logger:      opts.logger,
		opts:        opts,
		sendMsg:     make(chan []byte, opts.bufferSize),
	}
}

// Run starts the connection's read and write loops.
// It blocks until the peer closes the stream, an error occurs or the context
// is canceled, then closes the connection.
//
// Run returns nil when the peer closes the stream on a frame boundary, after
// the frames still queued for it have been written. It returns
// ErrTruncatedStream when the peer closes or resets the stream in the middle
// of a frame.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "conn_id", c.id, "addr", c.Addr())
	c.logger.Debug("connection options", "conn_id", c.id,
		"buffer_size", c.opts.bufferSize,
		"max_payload", c.opts.maxPayload,
		"read_chunk_size", c.opts.readChunkSize,
		"heartbeat", c.opts.heartbeat)

	c.opts.metrics.connOpened()
	defer c.opts.metrics.connClosed()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	group, child := errgroup.WithContext(ctx)

	// Unblock a pending Read once either loop gives up.
	stop := context.AfterFunc(child, func() {
		_ = c.rawConn.SetReadDeadline(time.Now())
	})
	defer stop()

	readDone := make(chan struct{})

	group.Go(func() error {
		return c.readLoop(child, readDone)
	})

	group.Go(func() error {
		return c.writeLoop(child, readDone)
	})

	err := group.Wait()
	c.closeConn()

	switch {
	case errors.Is(err, io.EOF):
		c.logger.Info("connection closed by peer", "conn_id", c.id, "addr", c.Addr())
		return nil
	case err != nil && !errors.Is(err, context.Canceled):
		c.logger.Info("connection closed with error", "conn_id", c.id, "addr", c.Addr(), "error", err)
	default:
		c.logger.Info("connection closed", "conn_id", c.id, "addr", c.Addr())
	}

	return err
}

// Close gracefully closes the connection.
// It cancels the context and closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ID returns the identifier assigned to the connection.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// frame encodes message and wraps it in a frame.
func (c *Conn) frame(message Message) ([]byte, error) {
	payload, err := c.opts.codec.Encode(message)
	if err != nil {
		return nil, err
	}

	frame, err := c.encoder.Encode(payload)
	if err != nil {
		c.opts.metrics.framingError(err)
		return nil, err
	}
	return frame, nil
}

// Write queues a message without blocking (fire-and-forget).
//
// Returns:
//   - nil: the frame was queued (not yet sent)
//   - ErrBufferFull: send buffer is full, nothing was queued
//   - ErrConnectionClosed: connection is closed
//   - ErrPayloadTooLarge: the encoded payload exceeds the ceiling, nothing was queued
//   - encoding error: if codec.Encode fails
func (c *Conn) Write(message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := c.frame(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		c.opts.metrics.frameEncoded()
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room in the send
// buffer or the context is canceled.
//
// Returns:
//   - nil: the frame was queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
//   - ErrPayloadTooLarge or an encoding error: nothing was queued
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := c.frame(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		c.opts.metrics.frameEncoded()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message, waiting at most timeout for buffer space.
// It returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := c.frame(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- frame:
		c.opts.metrics.frameEncoded()
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// readLoop reads whatever the socket delivers and feeds it to the reassembler.
// Chunk boundaries are arbitrary; the reassembler restores frame boundaries.
// readDone is closed when the peer ends the stream cleanly.
func (c *Conn) readLoop(ctx context.Context, readDone chan<- struct{}) error {
	buf := make([]byte, c.opts.readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			if ferr := c.feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == io.EOF {
			if err := c.endOfStream(); err != nil {
				return err
			}
			close(readDone)
			return nil
		}
		if lost := c.lostMidFrame(err); lost != nil {
			return lost
		}

		c.logger.Debug("read error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}
}

// feed passes one received chunk to the reassembler. Framing errors are fatal.
func (c *Conn) feed(chunk []byte) error {
	c.opts.metrics.received(len(chunk))

	err := c.reassembler.FeedFunc(chunk, c.dispatch)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrReassemblerPoisoned) {
			c.opts.metrics.framingError(err)
			c.logger.Warn("framing error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		}
		return err
	}

	if pending := c.reassembler.Buffered(); pending > 0 {
		c.logger.Debug("awaiting rest of frame", "conn_id", c.id, "chunk", len(chunk), "buffered", pending)
	}
	return nil
}

// dispatch decodes one complete payload and hands it to the message callback.
func (c *Conn) dispatch(payload []byte) error {
	c.opts.metrics.frameDecoded()

	message, err := c.opts.codec.Decode(payload)
	if err != nil {
		c.logger.Debug("decode error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
		return nil
	}

	return c.opts.onMessage(message)
}

// endOfStream checks that the peer stopped on a frame boundary.
func (c *Conn) endOfStream() error {
	if err := c.reassembler.Close(); err != nil {
		c.opts.metrics.framingError(err)
		c.logger.Warn("stream ended mid-frame", "conn_id", c.id, "addr", c.Addr(), "error", err)
		return err
	}
	return nil
}

// lostMidFrame reports a read failure other than a timeout as a truncated
// stream when part of a frame is still buffered. It returns nil otherwise.
func (c *Conn) lostMidFrame(err error) error {
	pending := c.reassembler.Buffered()
	if pending == 0 {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}

	lost := errors.Wrapf(ErrTruncatedStream, "%d bytes left in buffer: %v", pending, err)
	c.opts.metrics.framingError(lost)
	c.logger.Warn("stream lost mid-frame", "conn_id", c.id, "addr", c.Addr(), "error", lost)
	return lost
}

// writeLoop continuously sends frames from the send channel to the connection.
// Once the peer has finished sending it flushes what is queued and returns
// io.EOF. Returns early when the context is canceled or an unrecoverable error
// occurs.
func (c *Conn) writeLoop(ctx context.Context, readDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		case <-readDone:
			return c.flush()
		}
	}
}

// flush writes the frames still queued. Each write is bounded by the write
// deadline.
func (c *Conn) flush() error {
	for {
		select {
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		default:
			return io.EOF
		}
	}
}

// write sends one frame with a deadline. Frames are written whole, but the
// peer may still receive them split or merged.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	_ = c.rawConn.Close()
}
