package lib

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	ErrMalformedHeader     = errors.New("malformed header")
	ErrUnacceptableSegment = errors.New("unacceptable segment")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrChecksumComputation = errors.New("checksum computation failure")
	ErrRetransmitTimeout   = errors.New("retransmission timeout")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrConnectionClosing   = errors.New("connection closing")
	ErrNotEstablished      = errors.New("connection not established")
	ErrOutOfOrder          = errors.New("out of order data dropped")
)

// TransportError is a failure of the device underneath the engine. It is
// the only error that stops the packet loop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying device only hit its read deadline.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) {
		return ne.Timeout()
	}
	return false
}

// ProtocolViolationError reports an event the TCB has no transition for.
type ProtocolViolationError struct {
	State State
	Event string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s in %s", e.Event, e.State)
}

func (e *ProtocolViolationError) Unwrap() error {
	return ErrProtocolViolation
}

// IsFatal tells the packet loop whether err must stop it.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
