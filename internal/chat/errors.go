package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotReady is returned by operations attempted before the first subscription completes.
	ErrSessionNotReady = errors.New("chat session not ready")
	// ErrSessionClosed is returned by operations attempted after Close.
	ErrSessionClosed = errors.New("chat session closed")
)

// Op names the consumer operation that failed.
type Op string

const (
	OpSend   Op = "send"
	OpEdit   Op = "edit"
	OpDelete Op = "delete"
	OpLoad   Op = "load"
)

// OperationError reports a failed store call. A failed send means the content
// was not stored; a failed edit or delete leaves the stored message unchanged.
type OperationError struct {
	Op        Op
	MessageID uint
	Err       error
}

func (e *OperationError) Error() string {
	if e.MessageID != 0 {
		return fmt.Sprintf("chat %s message %d: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("chat %s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
