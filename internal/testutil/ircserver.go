package testutil

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"shelfseeker/internal/dcc"
)

// IRCServer is a scripted single-channel IRC server for tests. It answers
// registration and JOIN the way a real network does and hands every
// PRIVMSG to the registered handlers.
type IRCServer struct {
	Name    string
	Channel string

	t      TB
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conns      map[*IRCConn]struct{}
	accepted   int
	handlers   []func(c *IRCConn, target, text string)
	ignoreJoin bool

	lines  chan string
	joined chan *IRCConn
}

func NewIRCServer(t TB, channel string) *IRCServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for fake IRC server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &IRCServer{
		ctx:     ctx,
		cancel:  cancel,
		Name:    "irc.test.local",
		Channel: channel,
		t:       t,
		ln:      ln,
		conns:   make(map[*IRCConn]struct{}),
		lines:   make(chan string, 512),
		joined:  make(chan *IRCConn, 16),
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *IRCServer) Host() string { return "127.0.0.1" }

func (s *IRCServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Lines yields every line any client sent, without terminators.
func (s *IRCServer) Lines() <-chan string { return s.lines }

// Joined yields each connection once it has joined the channel.
func (s *IRCServer) Joined() <-chan *IRCConn { return s.joined }

// OnPrivmsg registers a handler run for every PRIVMSG received.
func (s *IRCServer) OnPrivmsg(fn func(c *IRCConn, target, text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// IgnoreJoin makes the server swallow JOIN commands, leaving clients
// registered but never joined.
func (s *IRCServer) IgnoreJoin(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreJoin = ignore
}

// Accepted reports how many connections the server has accepted.
func (s *IRCServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropAll abruptly closes every client connection.
func (s *IRCServer) DropAll() {
	s.mu.Lock()
	conns := make([]*IRCConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *IRCServer) Close() {
	s.cancel()
	_ = s.ln.Close()
	s.DropAll()
}

// WaitForLine returns the first client line with the given prefix.
func (s *IRCServer) WaitForLine(prefix string, timeout time.Duration) (string, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-s.lines:
			if strings.HasPrefix(line, prefix) {
				return line, true
			}
		case <-deadline:
			return "", false
		}
	}
}

func (s *IRCServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &IRCConn{srv: s, conn: conn}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.accepted++
		s.mu.Unlock()
		go c.serve()
	}
}

// IRCConn is the server side of one client connection.
type IRCConn struct {
	srv  *IRCServer
	conn net.Conn

	mu   sync.Mutex
	nick string
}

func (c *IRCConn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// Send writes one raw line to the client.
func (c *IRCConn) Send(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.conn, format+"\r\n", args...)
}

// Ping sends a server keepalive.
func (c *IRCConn) Ping(token string) {
	c.Send("PING :%s", token)
}

func (c *IRCConn) Close() {
	_ = c.conn.Close()
	c.srv.mu.Lock()
	delete(c.srv.conns, c)
	c.srv.mu.Unlock()
}

// OfferFile makes bot send the client a DCC offer advertising size bytes,
// then serves data to the first inbound connection and closes it. Passing
// fewer bytes than size simulates a peer that hangs up early.
func (c *IRCConn) OfferFile(bot, filename string, data []byte, size int64) error {
	return c.OfferStream(bot, filename, bytes.NewReader(data), size)
}

// OfferStream is OfferFile reading from src, which may block to stall the
// transfer. The sender stops when the server closes.
func (c *IRCConn) OfferStream(bot, filename string, src io.Reader, size int64) error {
	engine := dcc.NewEngine(dcc.WithAcceptTimeout(10 * time.Second))
	_, err := engine.Serve(c.srv.ctx, filename, size, src, func(_ context.Context, offer dcc.Offer) error {
		body, err := offer.CTCPBody()
		if err != nil {
			return err
		}
		c.Send(":%s!bot@bots.test.local PRIVMSG %s :\x01DCC %s\x01", bot, c.Nick(), body)
		return nil
	})
	return err
}

func (c *IRCConn) serve() {
	defer c.Close()
	s := c.srv
	reader := bufio.NewReader(c.conn)
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")
		select {
		case s.lines <- line:
		default:
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch strings.ToUpper(cmd) {
		case "NICK":
			c.mu.Lock()
			c.nick = strings.TrimPrefix(rest, ":")
			c.mu.Unlock()
		case "USER":
			nick := c.Nick()
			c.Send(":%s 001 %s :Welcome to the test network %s", s.Name, nick, nick)
			c.Send(":%s 376 %s :End of /MOTD command.", s.Name, nick)
		case "JOIN":
			s.mu.Lock()
			ignore := s.ignoreJoin
			s.mu.Unlock()
			if ignore {
				continue
			}
			nick := c.Nick()
			channel := strings.TrimPrefix(rest, ":")
			c.Send(":%s!user@client.test.local JOIN :%s", nick, channel)
			c.Send(":%s 332 %s %s :Welcome to %s", s.Name, nick, channel, channel)
			c.Send(":%s 333 %s %s op 1700000000", s.Name, nick, channel)
			c.Send(":%s 353 %s = %s :%s @Search Bsk", s.Name, nick, channel, nick)
			c.Send(":%s 366 %s %s :End of /NAMES list.", s.Name, nick, channel)
			select {
			case s.joined <- c:
			default:
			}
		case "PING":
			c.Send(":%s PONG %s :%s", s.Name, s.Name, strings.TrimPrefix(rest, ":"))
		case "PRIVMSG":
			target, text, _ := strings.Cut(rest, " ")
			text = strings.TrimPrefix(text, ":")
			s.mu.Lock()
			handlers := append([]func(*IRCConn, string, string){}, s.handlers...)
			s.mu.Unlock()
			for _, h := range handlers {
				go h(c, target, text)
			}
		case "QUIT":
			return
		}
	}
}
