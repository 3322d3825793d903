package dcc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"shelfseeker/internal/helpers"
	"shelfseeker/internal/metrics"

	log "github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 120 * time.Second
	defaultAcceptTimeout  = 120 * time.Second
	finalAckGrace         = 5 * time.Second
	readBufferSize        = 32 * 1024
)

// Engine moves files over DCC. Each call gets its own socket and sink, so
// transfers never share state and may run concurrently.
type Engine struct {
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)
	connectTimeout time.Duration
	idleTimeout    time.Duration
	acceptTimeout  time.Duration
	listenAddr     string
	advertiseIP    net.IP
}

type EngineOption func(*Engine)

// WithConnectTimeout bounds the outbound connect to an offering peer.
func WithConnectTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.connectTimeout = d }
}

// WithIdleTimeout fails a transfer that receives nothing for d.
func WithIdleTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithAcceptTimeout bounds how long Serve waits for the peer to connect.
func WithAcceptTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.acceptTimeout = d }
}

// WithListenAddr sets the local address offers listen on.
func WithListenAddr(addr string) EngineOption {
	return func(e *Engine) { e.listenAddr = addr }
}

// WithAdvertiseIP sets the IPv4 address announced to peers.
func WithAdvertiseIP(ip net.IP) EngineOption {
	return func(e *Engine) { e.advertiseIP = ip }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		connectTimeout: defaultConnectTimeout,
		idleTimeout:    defaultIdleTimeout,
		acceptTimeout:  defaultAcceptTimeout,
		listenAddr:     "127.0.0.1:0",
	}
	e.dial = (&net.Dialer{}).DialContext
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start connects to the offering peer and streams into sink in the
// background. Cancelling ctx aborts the transfer with context.Cause(ctx).
func (e *Engine) Start(ctx context.Context, offer Offer, sink Sink) *Transfer {
	t := newTransfer(offer, DirectionReceive)
	go e.receive(ctx, t, sink)
	return t
}

// Receive is Start followed by Wait.
func (e *Engine) Receive(ctx context.Context, offer Offer, sink Sink) (*Transfer, error) {
	t := e.Start(ctx, offer, sink)
	return t, t.Wait()
}

func (e *Engine) receive(ctx context.Context, t *Transfer, sink Sink) {
	logger := log.WithFields(log.Fields{"file": t.Offer.Filename, "peer": t.Offer.Addr(), "from": t.Offer.From})
	start := time.Now()

	err := e.readStream(ctx, t, sink)
	if err != nil {
		if derr := sink.Discard(); derr != nil {
			logger.WithError(derr).Warn("Failed to discard partial transfer")
		}
		logger.WithError(err).Warnf("DCC receive failed after %d bytes", t.Transferred())
		metrics.RecordTransfer(string(DirectionReceive), "failed", t.Transferred())
		t.finish("", err)
		return
	}

	path, err := sink.Commit()
	if err != nil {
		logger.WithError(err).Error("Failed to commit transfer")
		metrics.RecordTransfer(string(DirectionReceive), "failed", t.Transferred())
		t.finish("", err)
		return
	}
	logger.WithField("bytes", t.Transferred()).Infof("DCC receive complete in %s", time.Since(start).Round(time.Millisecond))
	metrics.RecordTransfer(string(DirectionReceive), "complete", t.Transferred())
	t.finish(path, nil)
}

func (e *Engine) readStream(ctx context.Context, t *Transfer, sink Sink) error {
	t.setState(StateConnecting)
	addr := t.Offer.Addr()

	dialCtx, cancel := context.WithTimeout(ctx, e.connectTimeout)
	conn, err := e.dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%w: %s: %v", ErrTransferConnectFailed, addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	t.setState(StateTransferring)
	size := t.Offer.Size
	buf := make([]byte, readBufferSize)
	var ack [4]byte
	var received int64

	for size == 0 || received < size {
		_ = conn.SetReadDeadline(time.Now().Add(e.idleTimeout))
		n, rerr := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if size > 0 && received+int64(n) > size {
				chunk = chunk[:size-received]
			}
			if _, err := sink.Write(chunk); err != nil {
				return fmt.Errorf("writing %s: %w", t.Offer.Filename, err)
			}
			received += int64(len(chunk))
			t.progress(received)

			// Acknowledge the running total, truncated to 32 bits.
			binary.BigEndian.PutUint32(ack[:], uint32(received))
			_ = conn.SetWriteDeadline(time.Now().Add(e.idleTimeout))
			_, _ = conn.Write(ack[:])
		}
		if size > 0 && received == size {
			return nil
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if errors.Is(rerr, io.EOF) && size == 0 {
			return nil
		}
		var ne net.Error
		if errors.As(rerr, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: stalled after %d of %d bytes", ErrTransferTimeout, received, size)
		}
		return fmt.Errorf("%w: peer closed after %d of %d bytes", ErrTransferIncomplete, received, size)
	}
	return nil
}

// Serve offers src to a peer: it listens on an ephemeral port, calls
// advertise with the offer to announce, and streams size bytes to the first
// inbound connection. The returned transfer completes once the peer has
// acknowledged everything or closed.
func (e *Engine) Serve(ctx context.Context, filename string, size int64, src io.Reader, advertise func(context.Context, Offer) error) (*Transfer, error) {
	ln, err := net.Listen("tcp4", e.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening for dcc offer: %w", err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	ip := e.advertiseIP
	if ip == nil {
		ip = tcpAddr.IP
		if ip.IsUnspecified() {
			ip = net.IPv4(127, 0, 0, 1)
		}
	}
	offer := Offer{Filename: helpers.SanitizeFilename(filename), IP: ip.To4(), Port: tcpAddr.Port, Size: size}
	t := newTransfer(offer, DirectionSend)

	if err := advertise(ctx, offer); err != nil {
		_ = ln.Close()
		t.finish("", err)
		return t, err
	}
	go e.serve(ctx, t, ln, src)
	return t, nil
}

func (e *Engine) serve(ctx context.Context, t *Transfer, ln net.Listener, src io.Reader) {
	logger := log.WithFields(log.Fields{"file": t.Offer.Filename, "port": t.Offer.Port})
	err := e.writeStream(ctx, t, ln, src)
	result := "complete"
	if err != nil {
		result = "failed"
		logger.WithError(err).Warn("DCC send failed")
	} else {
		logger.WithField("bytes", t.Transferred()).Info("DCC send complete")
	}
	metrics.RecordTransfer(string(DirectionSend), result, t.Transferred())
	t.finish("", err)
}

func (e *Engine) writeStream(ctx context.Context, t *Transfer, ln net.Listener, src io.Reader) error {
	defer ln.Close()
	t.setState(StateConnecting)

	stopListen := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stopListen()
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(e.acceptTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: no connection for offer on port %d", ErrTransferTimeout, t.Offer.Port)
		}
		return fmt.Errorf("%w: accept: %v", ErrTransferConnectFailed, err)
	}
	// One peer per offer.
	_ = ln.Close()
	defer conn.Close()
	stopConn := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stopConn()

	t.setState(StateTransferring)
	size := t.Offer.Size

	acked := make(chan struct{})
	go func() {
		defer close(acked)
		var ack [4]byte
		for {
			if _, err := io.ReadFull(conn, ack[:]); err != nil {
				return
			}
			if size > 0 && binary.BigEndian.Uint32(ack[:]) == uint32(size) {
				return
			}
		}
	}()

	var sent int64
	cw := &helpers.CounterWriter{Writer: conn, OnWrite: func(n int) {
		sent += int64(n)
		t.progress(sent)
	}}
	_ = conn.SetWriteDeadline(time.Now().Add(e.idleTimeout))
	if _, err := io.CopyN(cw, src, size); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%w: sent %d of %d bytes: %v", ErrTransferIncomplete, sent, size, err)
	}
	if size == 0 {
		return nil
	}

	select {
	case <-acked:
	case <-time.After(finalAckGrace):
		log.WithField("file", t.Offer.Filename).Debug("Peer did not acknowledge final byte count")
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	return nil
}
