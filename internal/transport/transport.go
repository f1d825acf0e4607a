// Package transport defines the pub/sub bus abstraction the sync and call
// engines talk through. Two implementations exist: wsbus (websocket link to
// the backend broker, the normal mode) and meshbus (libp2p gossipsub for
// serverless LAN boxes). Engines never see which one they got.
package transport

import (
	"context"
	"errors"
)

// State of the broker link.
type State int

const (
	// StateConnected — link is up, publishes go out.
	StateConnected State = iota
	// StateReconnecting — link dropped, redial in progress. Publishes are
	// dropped (not queued): a stale sync command delivered after a reconnect
	// desynchronizes the box worse than losing it.
	StateReconnecting
	// StateLost — redial budget exhausted or bus closed. Terminal.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "lost"
	}
	return "unknown"
}

var (
	// ErrConnectError is returned by Connect when the initial handshake with
	// the broker fails.
	ErrConnectError = errors.New("transport: connect failed")

	// ErrConnectionLost marks the terminal condition after the redial budget
	// is exhausted. Surfaced to state listeners, not retried.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives the raw JSON payload of one inbound message. Handlers on
// a single topic run in broker delivery order, one at a time.
type Handler func(payload []byte)

// Bus is the surface the engines need from the signaling transport.
type Bus interface {
	// Connect establishes the broker link. Blocks until the handshake
	// completes or ctx expires.
	Connect(ctx context.Context) error

	// Subscribe registers fn for every inbound message on topic and returns
	// an unsubscribe func. Subscriptions survive reconnects.
	Subscribe(topic string, fn Handler) (func(), error)

	// Publish sends payload on topic, best-effort. A down link drops the
	// message (logged, nil error) — callers watch State before relying on
	// delivery. Only marshals and closed-bus conditions return errors.
	Publish(topic string, payload any) error

	// State reports the current link state.
	State() State

	// OnStateChange registers fn for link state transitions and returns an
	// unsubscribe func.
	OnStateChange(fn func(State)) func()

	// Close tears the link down. Idempotent.
	Close() error
}
