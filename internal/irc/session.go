package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"shelfseeker/internal/metrics"
	"shelfseeker/internal/models"

	"github.com/fluffle/goirc/client"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrConnectionLost      = errors.New("irc connection lost")
	ErrNotConnected        = errors.New("irc session has not joined its channel")
	ErrRegistrationTimeout = errors.New("irc registration timed out")
	errReconfigured        = errors.New("irc session reconfigured")
)

const (
	cmdPass  = "PASS"
	cmdError = "ERROR"

	rplWelcome      = "001"
	rplTopic        = "332"
	rplTopicWhoTime = "333"
	rplNamReply     = "353"
	rplEndOfNames   = "366"
	rplEndOfMotd    = "376"
	errNoMotd       = "422"
	errNicknameUsed = "433"

	writeTimeout = 10 * time.Second
)

// State is the connection lifecycle. Transitions always run forward from
// StateDisconnected; any failure drops back to it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateRegistered:
		return "Registered"
	case StateJoined:
		return "Joined"
	}
	return "Disconnected"
}

// Status is the coarse connection signal exposed to the UI layer.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

func (s State) Status() Status {
	switch s {
	case StateJoined:
		return StatusConnected
	case StateConnecting, StateRegistered:
		return StatusConnecting
	}
	return StatusDisconnected
}

type Config struct {
	Server   string
	Port     int
	TLS      bool
	Password string

	Nick     string
	Username string
	Realname string

	Channel       string
	SearchCommand string

	DialTimeout       time.Duration
	RegisterTimeout   time.Duration
	PingTimeout       time.Duration
	ReconnectDelay    time.Duration
	MessagesPerSecond float64
}

// ConfigFromModel maps the persisted IRC settings onto a session config.
func ConfigFromModel(m models.IRCConfig) Config {
	return Config{
		Server:            m.Server,
		Port:              m.Port,
		TLS:               m.TLS,
		Password:          m.Password,
		Nick:              m.Nick,
		Username:          m.Username,
		Realname:          m.Realname,
		Channel:           m.Channel,
		SearchCommand:     m.SearchCommand,
		PingTimeout:       time.Duration(m.PingTimeoutSec) * time.Second,
		ReconnectDelay:    time.Duration(m.ReconnectDelaySec) * time.Second,
		MessagesPerSecond: m.MessagesPerSecond,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 6667
		if c.TLS {
			c.Port = 6697
		}
	}
	if c.Username == "" {
		c.Username = c.Nick
	}
	if c.Realname == "" {
		c.Realname = c.Nick
	}
	if c.SearchCommand == "" {
		c.SearchCommand = "@search"
	}
	if c.Channel != "" && !strings.HasPrefix(c.Channel, "#") && !strings.HasPrefix(c.Channel, "&") {
		c.Channel = "#" + c.Channel
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 60 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 300 * time.Second
	}
	// A negative delay reconnects immediately.
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 2
	}
	return c
}

// Addr is the host:port the session dials.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// DialFunc opens the underlying connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Option func(*Session)

// WithDialer replaces the default TCP/TLS dialer.
func WithDialer(d DialFunc) Option {
	return func(s *Session) { s.dial = d }
}

// CTCPMessage is an inbound CTCP request such as a DCC offer.
type CTCPMessage struct {
	From    string
	Target  string
	Command string
	Body    string
}

type event struct {
	line *client.Line
	err  error
}

// generation scopes waiters to a single connection. ready closes once the
// channel is joined; lost closes when that connection is torn down.
type generation struct {
	ready chan struct{}
	lost  chan struct{}
}

func newGeneration() *generation {
	return &generation{ready: make(chan struct{}), lost: make(chan struct{})}
}

// Session owns one persistent IRC connection. Run drives it; everything
// else is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	nick     string
	dial     DialFunc
	state    State
	conn     net.Conn
	gen      *generation
	waiters  []*Expectation
	subs     map[int]chan Status
	nextSub  int
	reconfig chan struct{}

	writeMu sync.Mutex
	limiter *rate.Limiter
}

func NewSession(cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		nick:     cfg.Nick,
		gen:      newGeneration(),
		subs:     make(map[int]chan Status),
		reconfig: make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burstFor(cfg.MessagesPerSecond)),
	}
	s.dial = s.defaultDial
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func burstFor(mps float64) int {
	if mps < 1 {
		return 1
	}
	return int(mps)
}

func (s *Session) defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	cfg := s.Config()
	if cfg.TLS {
		d := &tls.Dialer{Config: &tls.Config{ServerName: cfg.Server, MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Config returns a copy of the active configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	return s.State().Status()
}

// Nick is the nickname currently registered, which may differ from the
// configured one after a collision.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// Subscribe delivers connection status changes, starting with the current
// one. Slow subscribers miss intermediate values. Call the returned func to
// unsubscribe.
func (s *Session) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.state.Status()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Reconfigure swaps the configuration and forces a full reconnect. It
// reports false, leaving the connection alone, when cfg matches the
// current configuration.
func (s *Session) Reconfigure(cfg Config) bool {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if cfg == s.cfg {
		s.mu.Unlock()
		return false
	}
	s.cfg = cfg
	s.nick = cfg.Nick
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(cfg.MessagesPerSecond))
	s.limiter.SetBurst(burstFor(cfg.MessagesPerSecond))

	select {
	case s.reconfig <- struct{}{}:
	default:
	}
	return true
}

// WaitReady blocks until the session has joined its channel.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		gen, state := s.gen, s.state
		s.mu.Unlock()
		if state == StateJoined {
			return nil
		}
		select {
		case <-gen.ready:
			return nil
		case <-gen.lost:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run connects and keeps the session alive until ctx is cancelled,
// reconnecting after every failure.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.runConnection(ctx)
		s.teardown()
		if ctx.Err() != nil {
			return nil
		}

		delay := s.Config().ReconnectDelay
		if errors.Is(err, errReconfigured) {
			delay = 0
			log.Info("IRC configuration changed, reconnecting")
		} else {
			log.WithError(err).Warnf("IRC connection lost, reconnecting in %s", max(delay, 0))
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (s *Session) runConnection(ctx context.Context) error {
	// A change made while disconnected is already in the config read below.
	select {
	case <-s.reconfig:
	default:
	}
	cfg := s.Config()
	s.setState(StateConnecting)
	logger := log.WithFields(log.Fields{"server": cfg.Addr(), "channel": cfg.Channel})
	logger.Info("Connecting to IRC server")

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	conn, err := s.dial(dialCtx, "tcp", cfg.Addr())
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	events := make(chan event, 64)
	done := make(chan struct{})
	defer close(done)
	go readLoop(conn, cfg.PingTimeout, events, done)

	if cfg.Password != "" {
		if err := s.sendNow(cmdPass, cfg.Password); err != nil {
			return err
		}
	}
	if err := s.sendNow(client.NICK, cfg.Nick); err != nil {
		return err
	}
	if err := s.sendNow(client.USER, cfg.Username, "0", "*", cfg.Realname); err != nil {
		return err
	}

	registerTimer := time.NewTimer(cfg.RegisterTimeout)
	defer registerTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.sendNow(client.QUIT, "leaving")
			return ctx.Err()
		case <-s.reconfig:
			_ = s.sendNow(client.QUIT, "reconfiguring")
			return errReconfigured
		case <-registerTimer.C:
			if s.State() != StateJoined {
				return ErrRegistrationTimeout
			}
		case ev, ok := <-events:
			if !ok {
				return ErrConnectionLost
			}
			if ev.err != nil {
				return fmt.Errorf("%w: %v", ErrConnectionLost, ev.err)
			}
			if err := s.handle(ev.line, cfg, logger); err != nil {
				return err
			}
		}
	}
}

// readLoop owns the socket's read side and publishes each decoded line.
// A missed keepalive surfaces as a read deadline error.
func readLoop(conn net.Conn, timeout time.Duration, events chan<- event, done <-chan struct{}) {
	defer close(events)
	lr := NewLineReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		raw, err := lr.ReadLine()
		if err != nil {
			select {
			case events <- event{err: err}:
			case <-done:
			}
			return
		}
		line, err := Decode(raw)
		if err != nil {
			if !errors.Is(err, ErrEmptyLine) {
				log.WithError(err).Debug("Skipping undecodable IRC line")
			}
			continue
		}
		select {
		case events <- event{line: line}:
		case <-done:
			return
		}
	}
}

func (s *Session) handle(line *client.Line, cfg Config, logger *log.Entry) error {
	switch line.Cmd {
	case client.PING:
		return s.sendNow(client.PONG, line.Args...)

	case rplWelcome:
		s.setState(StateRegistered)
		logger.Info("Registered with IRC server")
		return s.sendNow(client.JOIN, cfg.Channel)

	case errNicknameUsed:
		if s.State() != StateConnecting {
			return nil
		}
		s.mu.Lock()
		s.nick += "_"
		nick := s.nick
		s.mu.Unlock()
		logger.Warnf("Nickname in use, retrying as %s", nick)
		return s.sendNow(client.NICK, nick)

	case rplTopic, rplTopicWhoTime, rplNamReply:
		logger.WithField("numeric", line.Cmd).Debug(line.Text())

	case rplEndOfMotd, errNoMotd:
		logger.Debug("End of MOTD")

	case rplEndOfNames:
		if len(line.Args) >= 2 && strings.EqualFold(line.Args[1], cfg.Channel) {
			s.markJoined()
			logger.Info("Joined IRC channel")
		}

	case client.CTCP:
		if len(line.Args) < 3 {
			return nil
		}
		s.dispatch(CTCPMessage{
			From:    Nick(line),
			Target:  line.Args[1],
			Command: strings.ToUpper(line.Args[0]),
			Body:    line.Args[2],
		})

	case client.NOTICE, client.PRIVMSG:
		logger.WithField("from", Nick(line)).Debug(line.Text())

	case cmdError:
		return fmt.Errorf("%w: server error: %s", ErrConnectionLost, line.Text())
	}
	return nil
}

func (s *Session) markJoined() {
	s.mu.Lock()
	gen := s.gen
	already := s.state == StateJoined
	s.mu.Unlock()
	if already {
		return
	}
	s.setState(StateJoined)
	close(gen.ready)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	var subs []chan Status
	if prev.Status() != state.Status() {
		for _, ch := range s.subs {
			subs = append(subs, ch)
		}
	}
	s.mu.Unlock()

	metrics.IRCConnectionState.Set(float64(state))
	if prev != state {
		log.WithFields(log.Fields{"from": prev, "to": state}).Debug("IRC state change")
	}
	for _, ch := range subs {
		select {
		case ch <- state.Status():
		default:
		}
	}
}

// teardown closes the socket and fails every waiter bound to it.
func (s *Session) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	old := s.gen
	s.gen = newGeneration()
	s.waiters = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	close(old.lost)
	s.setState(StateDisconnected)
}

// sendNow writes a line immediately, bypassing the message rate limit.
// Used for protocol traffic such as PONG.
func (s *Session) sendNow(cmd string, params ...string) error {
	line, err := EncodeLine(cmd, params...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
	}
	return nil
}

// Privmsg sends a chat message, subject to the configured message rate.
func (s *Session) Privmsg(ctx context.Context, target, text string) error {
	if s.State() != StateJoined {
		return ErrNotConnected
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.sendNow(client.PRIVMSG, target, text)
}

// Expectation is a registered interest in one inbound CTCP message.
type Expectation struct {
	s       *Session
	from    string
	command string
	match   func(CTCPMessage) bool
	ch      chan CTCPMessage
	lost    chan struct{}
}

// Expect registers interest in the next CTCP command from a nick ("" for
// any sender). Nick-specific expectations are served before wildcard ones.
// Register before sending the message that triggers the reply.
func (s *Session) Expect(from, command string) (*Expectation, error) {
	return s.ExpectMatch(from, command, nil)
}

// ExpectMatch is Expect for messages accepted by match. Rejected messages
// leave the expectation waiting. match runs with the session locked and
// must not call back into it.
func (s *Session) ExpectMatch(from, command string, match func(CTCPMessage) bool) (*Expectation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return nil, ErrNotConnected
	}
	e := &Expectation{
		s:       s,
		from:    strings.ToLower(from),
		command: strings.ToUpper(command),
		match:   match,
		ch:      make(chan CTCPMessage, 1),
		lost:    s.gen.lost,
	}
	s.waiters = append(s.waiters, e)
	return e, nil
}

// Wait blocks until the message arrives, the connection is lost, or ctx ends.
func (e *Expectation) Wait(ctx context.Context) (CTCPMessage, error) {
	select {
	case msg := <-e.ch:
		return msg, nil
	case <-e.lost:
		select {
		case msg := <-e.ch:
			return msg, nil
		default:
		}
		return CTCPMessage{}, ErrConnectionLost
	case <-ctx.Done():
		e.Cancel()
		return CTCPMessage{}, ctx.Err()
	}
}

// ConnectionLost closes when the connection this expectation is bound to
// goes away.
func (e *Expectation) ConnectionLost() <-chan struct{} {
	return e.lost
}

// Cancel withdraws the expectation. Safe to call more than once.
func (e *Expectation) Cancel() {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	for i, w := range e.s.waiters {
		if w == e {
			e.s.waiters = append(e.s.waiters[:i], e.s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Session) dispatch(msg CTCPMessage) {
	s.mu.Lock()
	from := strings.ToLower(msg.From)
	match := -1
	for i, w := range s.waiters {
		if w.command != msg.Command {
			continue
		}
		if w.from != "" && w.from != from {
			continue
		}
		if w.match != nil && !w.match(msg) {
			continue
		}
		if w.from == from {
			match = i
			break
		}
		if w.from == "" && match < 0 {
			match = i
		}
	}
	var w *Expectation
	if match >= 0 {
		w = s.waiters[match]
		s.waiters = append(s.waiters[:match], s.waiters[match+1:]...)
	}
	s.mu.Unlock()

	if w == nil {
		log.WithFields(log.Fields{"from": msg.From, "ctcp": msg.Command}).Debug("Ignoring unsolicited CTCP message")
		return
	}
	w.ch <- msg
}
