package queue

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxRetries is the retry budget a new message starts with.
const DefaultMaxRetries = 3

// membership says which logical set currently owns a message.
type membership int8

const (
	stateUnqueued membership = iota
	statePending
	stateInFlight
)

// Message is the unit of work handed to the delivery queue.
//
// Producer-set fields must not be mutated after Append. The queue owns the
// message until it reaches a terminal disposition: either the delegate's
// Notify hook runs, or Completed hands ownership back to the reply caller.
type Message struct {
	// ID is the correlation key. It must be unique among messages currently
	// in the queue; replies are matched against it.
	ID uint64

	// RequestID optionally links the message to an originating request.
	// Zero means none.
	RequestID uint64

	// ExpectsReply marks messages that are not terminal until the transport
	// delivers an acknowledgement (or the reply deadline expires).
	ExpectsReply bool

	// Retries is the retry budget. A message is attempted Retries+1 times
	// before it is dropped with ReasonRetryMax.
	Retries uint16

	// Payload is producer-supplied opaque data.
	Payload any

	// OnSuccess and OnFailure are optional terminal hooks. The queue never
	// calls them directly; the delegate's Notify implementation does, per the
	// transport's convention.
	OnSuccess func(*Message)
	OnFailure func(*Message, Reason)

	release     func(any)
	releaseOnce sync.Once

	// Queue-owned bookkeeping, guarded by the queue mutex.
	errCount uint16
	sentOnce bool
	deadline time.Time // non-zero iff awaiting a reply
	state    membership
	admitted bool
	elem     *list.Element
}

// NewMessage creates a fire-and-forget message with the default retry budget.
func NewMessage(id uint64) *Message {
	return &Message{ID: id, Retries: DefaultMaxRetries}
}

// SetRelease installs a payload release hook, invoked exactly once at the end
// of the message's life regardless of how many paths try to free it.
func (m *Message) SetRelease(fn func(any)) { m.release = fn }

// Release runs the payload release hook. It is idempotent; the queue calls it
// after Notify, and owners of a Completed message should call it themselves.
func (m *Message) Release() {
	m.releaseOnce.Do(func() {
		if m.release != nil && m.Payload != nil {
			m.release(m.Payload)
		}
	})
}

// ErrorCount reports how many failed attempts the message has accumulated.
// Meaningful to read from delegate hooks and after terminal disposition.
func (m *Message) ErrorCount() uint16 { return m.errCount }

// SentOnce reports whether the message has been handed to Process at least once.
func (m *Message) SentOnce() bool { return m.sentOnce }
