package dcc

import (
	"errors"
	"sync"
)

var (
	ErrTransferTimeout       = errors.New("dcc transfer timed out")
	ErrTransferConnectFailed = errors.New("dcc connection failed")
	ErrTransferIncomplete    = errors.New("dcc transfer incomplete")
)

type State int

const (
	StateOffered State = iota
	StateConnecting
	StateTransferring
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "Offered"
	case StateConnecting:
		return "Connecting"
	case StateTransferring:
		return "Transferring"
	case StateComplete:
		return "Complete"
	}
	return "Failed"
}

type Direction string

const (
	DirectionReceive Direction = "receive"
	DirectionSend    Direction = "send"
)

type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventCompleted
	EventFailed
)

// Event is a transfer progress notification.
type Event struct {
	Kind        EventKind
	Transferred int64
	Total       int64
	Err         error
}

// Transfer is one independent DCC byte stream. It is safe for concurrent
// use; all methods may be called while the transfer runs.
type Transfer struct {
	Offer     Offer
	Direction Direction

	mu          sync.Mutex
	state       State
	transferred int64
	path        string
	err         error

	events chan Event
	done   chan struct{}
}

func newTransfer(offer Offer, dir Direction) *Transfer {
	return &Transfer{
		Offer:     offer,
		Direction: dir,
		state:     StateOffered,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transferred is the running byte counter.
func (t *Transfer) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Path is the committed file location, once complete.
func (t *Transfer) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done closes when the transfer reaches Complete or Failed.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Events delivers progress notifications and is closed when the transfer
// ends. Progress events are dropped rather than blocking the transfer.
func (t *Transfer) Events() <-chan Event {
	return t.events
}

// Wait blocks until the transfer ends and returns its error.
func (t *Transfer) Wait() error {
	<-t.done
	return t.Err()
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	if s == StateTransferring {
		t.emit(Event{Kind: EventStarted, Total: t.Offer.Size})
	}
}

func (t *Transfer) progress(total int64) {
	t.mu.Lock()
	t.transferred = total
	t.mu.Unlock()
	t.emit(Event{Kind: EventProgress, Transferred: total, Total: t.Offer.Size})
}

func (t *Transfer) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

func (t *Transfer) finish(path string, err error) {
	t.mu.Lock()
	t.path = path
	t.err = err
	if err != nil {
		t.state = StateFailed
	} else {
		t.state = StateComplete
	}
	transferred := t.transferred
	t.mu.Unlock()

	if err != nil {
		t.emit(Event{Kind: EventFailed, Transferred: transferred, Total: t.Offer.Size, Err: err})
	} else {
		t.emit(Event{Kind: EventCompleted, Transferred: transferred, Total: t.Offer.Size})
	}
	close(t.events)
	close(t.done)
}
