// Package pipe attaches to a producer's binary channel and hands every read
// to a callback on a single reader goroutine. Channels are addressed by URL:
//
//	/run/vio/qvio            named pipe or file (also fifo:///run/vio/qvio)
//	unix:///run/vio.sock     unix stream socket
//	tcp://10.0.0.2:5600      tcp stream
//	serial:///dev/ttyUSB0?baud=921600
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	// ErrClosed is reported to OnDisconnect when the producer ends the channel.
	ErrClosed        = errors.New("channel closed by producer")
	ErrUnknownScheme = errors.New("unknown channel scheme")
)

// DefaultReadBufSize is used when Options.ReadBufSize is unset.
const DefaultReadBufSize = 64 * 1024

// Options controls how a channel is read.
type Options struct {
	// ReadBufSize is the size of the buffer handed to the data callback.
	ReadBufSize int

	// Alignment, when positive, holds back partial units so each delivery
	// is a whole multiple of Alignment bytes. Stream transports split
	// writes arbitrarily; named pipes normally do not need it.
	Alignment int

	// Port configures serial:// channels. Query parameters in the address
	// take precedence.
	Port PortOptions
}

func (o Options) normalize() Options {
	if o.ReadBufSize <= 0 {
		o.ReadBufSize = DefaultReadBufSize
	}
	if o.Alignment > 0 && o.ReadBufSize < o.Alignment {
		o.ReadBufSize = o.Alignment
	}
	return o
}

// Handler receives channel events. Both callbacks run on the reader
// goroutine and are never invoked concurrently. They must not call
// Client.Close.
type Handler struct {
	// OnData receives the first n bytes of buf. buf is reused after the
	// callback returns.
	OnData func(buf []byte, n int)

	// OnDisconnect is called once if the channel ends for any reason other
	// than Close.
	OnDisconnect func(err error)
}

// Client is an open channel with a running reader.
type Client struct {
	addr    string
	conn    io.ReadCloser
	opts    Options
	handler Handler

	bytesRead atomic.Uint64
	reads     atomic.Uint64
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Open connects to the channel at addr and starts reading. It fails if the
// channel does not exist or cannot be opened; nothing is started then.
func Open(ctx context.Context, addr string, opts Options, h Handler) (*Client, error) {
	opts = opts.normalize()
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", addr, err)
	}

	c := &Client{
		addr:    addr,
		conn:    conn,
		opts:    opts,
		handler: h,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func dial(ctx context.Context, addr string, opts Options) (io.ReadCloser, error) {
	if addr == "" {
		return nil, errors.New("empty channel address")
	}
	if !strings.Contains(addr, "://") {
		return openFile(addr)
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	switch u.Scheme {
	case "fifo", "file":
		return openFile(u.Path)
	case "unix":
		return d.DialContext(ctx, "unix", u.Path)
	case "tcp":
		return d.DialContext(ctx, "tcp", u.Host)
	case "serial":
		port, err := opts.Port.withQuery(u.Query())
		if err != nil {
			return nil, err
		}
		return openSerial(u.Path, port)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, u.Scheme)
	}
}

// openFile opens a named pipe or a file. The descriptor is non-blocking so
// that a pipe without a writer does not stall the caller; reads then go
// through the runtime poller.
func openFile(path string) (io.ReadCloser, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.conn.Close()

	buf := make([]byte, c.opts.ReadBufSize)
	align := c.opts.Alignment
	pending := 0
	for {
		n, err := c.conn.Read(buf[pending:])
		if n > 0 {
			c.reads.Add(1)
			c.bytesRead.Add(uint64(n))
			total := pending + n
			whole := total
			if align > 0 {
				whole = total - total%align
			}
			if whole > 0 && c.handler.OnData != nil {
				c.handler.OnData(buf, whole)
			}
			pending = copy(buf, buf[whole:total])
		}
		if err != nil {
			if c.closing.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			if c.handler.OnDisconnect != nil {
				c.handler.OnDisconnect(err)
			}
			return
		}
	}
}

// Close closes the channel and waits for the reader to finish its current
// delivery. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		select {
		case <-c.done:
			// The reader already ended and closed the connection.
			return
		default:
		}
		err = c.conn.Close()
		<-c.done
	})
	if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Done is closed when the reader has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Addr returns the channel address.
func (c *Client) Addr() string { return c.addr }

// Stats returns the number of reads and bytes received.
func (c *Client) Stats() (reads, bytes uint64) {
	return c.reads.Load(), c.bytesRead.Load()
}
