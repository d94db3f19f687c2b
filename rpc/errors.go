package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Call outcome kinds; match with errors.Is
	ErrEncoding         = errors.New("rpc: encoding failed")
	ErrTransportPublish = errors.New("rpc: transport publish failed")
	ErrTransportConsume = errors.New("rpc: transport consume failed")
	ErrDecoding         = errors.New("rpc: decoding failed")
	ErrRemote           = errors.New("rpc: remote handler failed")
	ErrCancelled        = errors.New("rpc: call cancelled")
	ErrTimeout          = errors.New("rpc: call timed out")

	// Usage errors
	ErrCallReused   = errors.New("rpc: call already started")
	ErrNilTransport = errors.New("rpc: transport is nil")
)

// CallError describes why a call did not complete
type CallError struct {
	Kind      error     // One of the outcome kinds above
	CallID    string    // Call identifier, also sent as correlation id
	Target    string    // Target queue
	ReplyTo   string    // Reply queue, empty if none was opened
	Err       error     // Underlying error, may be nil
	Timestamp time.Time // When the call failed
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: call %s to %q: %v", e.Kind, e.CallID, e.Target, e.Err)
	}
	return fmt.Sprintf("%v: call %s to %q", e.Kind, e.CallID, e.Target)
}

// Unwrap exposes both the kind and the underlying error to errors.Is/As
func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RemoteError is the failure reported by a responder in the HeaderError header
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}
