package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"realtime-transcription-service/internal/models"
)

// State represents the lifecycle state of a session.
type State int

const (
	StateInitiating State = iota
	StateAuthenticating
	StateNegotiating
	StateReady
	StateStreaming
	StateSTTReconnecting
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInitiating:
		return "INITIATING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateSTTReconnecting:
		return "STT_RECONNECTING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true once the session has started shutting down.
func (s State) IsTerminal() bool {
	return s == StateClosing || s == StateClosed
}

// Errors for invalid state transitions.
var (
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrSessionClosing    = errors.New("session: already closing")
)

// transitions lists the forward moves allowed from each state. Any
// non-terminal state may also move to CLOSING through BeginClosing.
var transitions = map[State][]State{
	StateInitiating:      {StateAuthenticating},
	StateAuthenticating:  {StateNegotiating},
	StateNegotiating:     {StateReady},
	StateReady:           {StateStreaming},
	StateStreaming:       {StateSTTReconnecting},
	StateSTTReconnecting: {StateStreaming},
	StateClosing:         {StateClosed},
}

// Reason is the terminal cause of a session.
type Reason string

const (
	ReasonClientClosed    Reason = "client-closed"
	ReasonIdleTimeout     Reason = "idle-timeout"
	ReasonAbsoluteTimeout Reason = "absolute-timeout"
	ReasonServerShutdown  Reason = "server-shutdown"
	ReasonBadUID          Reason = "bad-uid"
	ReasonBadParams       Reason = "bad-params"
	ReasonSTTExhausted    Reason = "stt-exhausted"
	ReasonSTTUnavailable  Reason = "stt-unavailable"
	ReasonCodecFault      Reason = "codec-fault"
	ReasonMergerFault     Reason = "internal-merger-fault"
	ReasonInternalFault   Reason = "internal-fault"
)

// CloseCode maps the reason to a websocket close code.
func (r Reason) CloseCode() int {
	switch r {
	case ReasonClientClosed:
		return websocket.CloseNormalClosure
	case ReasonIdleTimeout, ReasonAbsoluteTimeout, ReasonServerShutdown:
		return websocket.CloseGoingAway
	case ReasonBadUID, ReasonBadParams:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// Status returns the terminal service_status value sent to the client.
func (r Reason) Status() string {
	if r.CloseCode() == websocket.CloseInternalServerErr {
		return models.StatusError
	}
	return models.StatusClosed
}

// CloseText returns the reason phrase for the close frame. Internal faults
// are not described to the client.
func (r Reason) CloseText() string {
	if r.CloseCode() == websocket.CloseInternalServerErr {
		return ""
	}
	return string(r)
}

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	INITIATING → AUTHENTICATING → NEGOTIATING → READY → STREAMING ⇄ STT_RECONNECTING
//	     │              │               │          │         │
//	     └──────────────┴───────────────┴──────────┴─────────┴──→ CLOSING → CLOSED
//
// The first BeginClosing call fixes the terminal reason; later calls are
// ignored.
type Lifecycle struct {
	mu     sync.RWMutex
	state  State
	reason Reason
	cause  error
}

// NewLifecycle creates a lifecycle in INITIATING state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateInitiating}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Transition moves to state to if the move is allowed.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsTerminal() && to != StateClosed {
		return ErrSessionClosing
	}
	for _, next := range transitions[l.state] {
		if next == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, l.state, to)
}

// BeginClosing moves to CLOSING and records the terminal reason. It returns
// false if the session was already closing.
func (l *Lifecycle) BeginClosing(reason Reason, cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateClosing
	l.reason = reason
	l.cause = cause
	return true
}

// Close transitions to CLOSED. Idempotent.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
}

// Reason returns the terminal reason and its cause; the reason is empty
// until BeginClosing.
func (l *Lifecycle) Reason() (Reason, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason, l.cause
}
