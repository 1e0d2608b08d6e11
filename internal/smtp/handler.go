package smtp

import (
	"context"
	"fmt"
)

// Envelope is the SMTP transaction data that accompanies a message.
type Envelope struct {
	// Peer is the remote address of the client connection.
	Peer     string
	MailFrom string
	RcptTo   []string
}

// Handler processes one received message. Returning an *Error selects the
// SMTP reply; any other error is answered with a temporary failure.
type Handler interface {
	HandleMessage(ctx context.Context, env Envelope, raw []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env Envelope, raw []byte) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, env Envelope, raw []byte) error {
	return f(ctx, env, raw)
}

// Error is an SMTP reply carried through the error chain.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reject returns a permanent failure reply wrapping err.
func Reject(message string, err error) *Error {
	return &Error{Code: 550, Message: message, Err: err}
}
