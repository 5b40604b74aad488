package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/vio-bridge/internal/timeutil"
	"github.com/banshee-data/vio-bridge/internal/vio"
)

// streamer writes batches of synthetic records at a fixed rate.
type streamer struct {
	gen   *circle
	clock timeutil.Clock
	rate  float64 // records per second
	batch int     // records per write
}

func (s *streamer) period() time.Duration {
	return time.Duration(float64(s.batch) / s.rate * float64(time.Second))
}

// stream writes to w until ctx is done or a write fails. Records are spaced
// 1/rate apart regardless of how the writes are batched.
func (s *streamer) stream(ctx context.Context, w io.Writer) (int, error) {
	step := time.Duration(float64(time.Second) / s.rate)
	start := s.clock.Now()
	ticker := s.clock.NewTicker(s.period())
	defer ticker.Stop()

	var (
		buf  []byte
		sent int
	)
	for {
		select {
		case <-ctx.Done():
			return sent, nil
		case now := <-ticker.C():
			buf = buf[:0]
			last := now.Sub(start)
			for i := s.batch - 1; i >= 0; i-- {
				r := s.gen.At(last - time.Duration(i)*step)
				buf = vio.AppendRecord(buf, &r)
			}
			if _, err := w.Write(buf); err != nil {
				return sent, err
			}
			sent += s.batch
		}
	}
}

// serve produces records on addr until ctx is done. Paths and fifo://
// addresses are named pipes, created if missing; unix:// and tcp:// listen
// and stream to every client.
func (s *streamer) serve(ctx context.Context, addr string) error {
	if !strings.Contains(addr, "://") {
		return s.serveFIFO(ctx, addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "fifo":
		return s.serveFIFO(ctx, u.Path)
	case "unix":
		return s.serveListener(ctx, "unix", u.Path)
	case "tcp":
		return s.serveListener(ctx, "tcp", u.Host)
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// serveFIFO reopens the pipe each time the reader goes away.
func (s *streamer) serveFIFO(ctx context.Context, path string) error {
	if err := syscall.Mkfifo(path, 0o644); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to create fifo: %w", err)
	}
	for ctx.Err() == nil {
		// Opening for write blocks until a reader arrives.
		f, err := openWriter(ctx, path)
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		log.Printf("reader attached to %s", path)
		sent, err := s.stream(ctx, f)
		f.Close()
		log.Printf("wrote %d records to %s (%v)", sent, path, err)
	}
	return nil
}

func openWriter(ctx context.Context, path string) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		// Unblock the pending open with a throwaway reader.
		if rd, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0); err == nil {
			if r := <-ch; r.f != nil {
				r.f.Close()
			}
			rd.Close()
		}
		return nil, nil
	}
}

func (s *streamer) serveListener(ctx context.Context, network, address string) error {
	if network == "unix" {
		_ = os.Remove(address)
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Printf("streaming on %s://%s", network, lis.Addr())

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			sent, err := s.stream(ctx, conn)
			log.Printf("wrote %d records to %s (%v)", sent, conn.RemoteAddr(), err)
		}()
	}
}
