package queue

// Result is the outcome a delegate reports from Process.
type Result int

const (
	// ResultSuccess: the send went out. Fire-and-forget messages are
	// terminal; reply-expecting messages stay in flight awaiting Completed.
	ResultSuccess Result = iota

	// ResultSuccessHandled: the delegate fully settled the message during
	// Process (for example it short-circuited a local reply). Terminal.
	ResultSuccessHandled

	// ResultInvalid: the message is malformed or unroutable. Terminal,
	// never retried.
	ResultInvalid

	// ResultSendFailure: transient transmission failure. Consumes one retry.
	ResultSendFailure

	// ResultDelaySend: the message cannot go out yet (for example it depends
	// on another in-flight message). Requeued without consuming a retry.
	ResultDelaySend
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultSuccessHandled:
		return "success_handled"
	case ResultInvalid:
		return "invalid"
	case ResultSendFailure:
		return "send_failure"
	case ResultDelaySend:
		return "delay_send"
	default:
		return "unknown"
	}
}

// Reason classifies a message's terminal disposition.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInvalid
	ReasonSend
	ReasonTimeout
	ReasonRetryMax
	ReasonRemoved
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalid:
		return "invalid"
	case ReasonSend:
		return "send"
	case ReasonTimeout:
		return "timeout"
	case ReasonRetryMax:
		return "retry_max"
	case ReasonRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Delegate is the contract a transport implements to plug into the queue.
//
// None of the hooks may call back into the queue. Filter runs under the
// queue mutex, and Process/Notify run on the worker goroutine that Stop
// joins, so re-entry deadlocks or corrupts the dispatch in progress.
type Delegate interface {
	// Filter reports whether the message may currently be dispatched. It is
	// consulted on Append and again whenever RunFilter is invoked (typically
	// when connectivity changes). It must be a pure predicate.
	Filter(m *Message) bool

	// Process performs the actual send. It may block; it is the only
	// delegate hook called with no queue lock held.
	Process(m *Message) Result

	// Notify is the terminal hook, invoked exactly once per message life.
	// It is responsible for running the message's OnSuccess/OnFailure
	// callbacks.
	Notify(m *Message, ok bool, reason Reason)
}

// ReplyAcceptor is an optional Delegate extension. When a reply arrives for
// an in-flight message, AcceptReply may veto its removal: returning false
// leaves the message in flight, to be settled by a later accepted reply or by
// its timeout. This supports transports that deliver intermediate, non-final
// replies.
type ReplyAcceptor interface {
	AcceptReply(m *Message, payload any) bool
}
