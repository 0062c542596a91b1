package queue

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"hearth/pkg/logx"
)

const (
	// DefaultMaxInFlight bounds concurrent unacknowledged sends.
	DefaultMaxInFlight = 4

	// DefaultReplyTimeout is how long a dispatched message may await a reply.
	DefaultReplyTimeout = 10 * time.Second

	// idleWait bounds the worker's sleep when nothing is admissible, so the
	// loop re-evaluates cancellation and reply deadlines even without signals.
	idleWait = 30 * time.Second

	// retryDelay throttles the loop after a failed or deferred send.
	retryDelay = 250 * time.Millisecond
)

var (
	errNilDelegate = errors.New("queue: delegate is nil")
	errBadLimit    = errors.New("queue: max in-flight must be at least 1")
	errBadTimeout  = errors.New("queue: reply timeout must be at least 1s")
)

type runState int8

const (
	stateNotRunning runState = iota
	stateRunning
	stateCanceling
)

// Config configures a Queue. Zero fields get defaults.
type Config struct {
	MaxInFlight  int           // >= 1; DefaultMaxInFlight when zero
	ReplyTimeout time.Duration // >= 1s; DefaultReplyTimeout when zero
	RetryDelay   time.Duration // loop throttle after a failed send; retryDelay when zero

	Clock   clock.Clock // real clock when nil; tests inject a mock
	Logger  logx.Logger
	Metrics *Metrics
}

// Queue is the outbound delivery queue. See the package documentation for the
// ownership and concurrency model.
type Queue struct {
	delegate Delegate
	acceptor ReplyAcceptor // delegate's optional veto hook, if implemented

	mu      sync.Mutex
	settled *sync.Cond // broadcast when processing clears

	pending  *list.List // of *Message, insertion order
	admitted int        // pending entries currently passing the filter
	inFlight map[uint64]*Message

	maxInFlight  int
	replyTimeout time.Duration
	retryDelay   time.Duration

	state      runState
	processing bool

	wake   chan struct{} // cap 1; coalesced worker wakeups
	stopCh chan struct{} // closed to cancel the current worker
	doneCh chan struct{} // closed when the worker has exited

	clk     clock.Clock
	log     logx.Logger
	metrics *Metrics
}

// New creates a stopped queue around the given delegate.
func New(d Delegate, cfg Config) (*Queue, error) {
	if d == nil {
		return nil, errNilDelegate
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.MaxInFlight < 1 {
		return nil, errBadLimit
	}
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.ReplyTimeout < time.Second {
		return nil, errBadTimeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = retryDelay
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		delegate:     d,
		pending:      list.New(),
		inFlight:     map[uint64]*Message{},
		maxInFlight:  cfg.MaxInFlight,
		replyTimeout: cfg.ReplyTimeout,
		retryDelay:   cfg.RetryDelay,
		wake:         make(chan struct{}, 1),
		clk:          clk,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
	}
	q.settled = sync.NewCond(&q.mu)
	if a, ok := d.(ReplyAcceptor); ok {
		q.acceptor = a
	}
	return q, nil
}

// Start spawns the worker. No-op unless the queue is stopped.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.state != stateNotRunning {
		q.mu.Unlock()
		return
	}
	q.state = stateRunning
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	stop, done := q.stopCh, q.doneCh
	q.mu.Unlock()

	go q.run(stop, done)
}

// Stop cancels the worker. With wait=true it blocks until the worker has
// fully drained its loop; an in-progress Process call is allowed to return
// first.
func (q *Queue) Stop(wait bool) {
	q.mu.Lock()
	switch q.state {
	case stateNotRunning:
		q.mu.Unlock()
		return
	case stateRunning:
		q.state = stateCanceling
		close(q.stopCh)
	case stateCanceling:
		// another Stop already initiated cancellation
	}
	done := q.doneCh
	q.mu.Unlock()

	q.signal()
	if wait && done != nil {
		<-done
	}
}

// Append inserts a message into pending and, if it passes the filter, marks
// it admissible and wakes the worker. Returns false for nil messages and
// messages already owned by a queue.
func (q *Queue) Append(m *Message) bool {
	if m == nil {
		return false
	}
	q.mu.Lock()
	if m.state != stateUnqueued {
		q.mu.Unlock()
		return false
	}
	m.state = statePending
	m.elem = q.pending.PushBack(m)
	m.admitted = q.delegate.Filter(m)
	if m.admitted {
		q.admitted++
	}
	q.metrics.appended(m)
	q.mu.Unlock()

	q.signal()
	return true
}

// Remove cancels the message with the given ID, wherever it currently lives.
// It waits for an in-progress Process call to settle first, so the transport
// never sees a message that has already been finalized. The message gets a
// single Notify(false, ReasonRemoved).
func (q *Queue) Remove(id uint64) bool {
	q.mu.Lock()
	q.waitSettledLocked()

	var m *Message
	if im, ok := q.inFlight[id]; ok {
		m = im
		q.detachInFlightLocked(m)
	} else {
		for e := q.pending.Front(); e != nil; e = e.Next() {
			pm := e.Value.(*Message)
			if pm.ID == id {
				m = pm
				q.detachPendingLocked(m)
				break
			}
		}
	}
	q.mu.Unlock()

	if m == nil {
		return false
	}
	q.finish(m, false, ReasonRemoved)
	return true
}

// Clear cancels everything, with the same settle-then-drain discipline as
// Remove. Each message gets Notify(false, ReasonRemoved).
func (q *Queue) Clear() {
	q.mu.Lock()
	q.waitSettledLocked()

	victims := make([]*Message, 0, q.pending.Len()+len(q.inFlight))
	for e := q.pending.Front(); e != nil; e = e.Next() {
		victims = append(victims, e.Value.(*Message))
	}
	for _, m := range q.inFlight {
		victims = append(victims, m)
	}
	q.pending.Init()
	q.admitted = 0
	q.inFlight = map[uint64]*Message{}
	for _, m := range victims {
		m.state = stateUnqueued
		m.admitted = false
		m.elem = nil
		m.deadline = time.Time{}
	}
	q.mu.Unlock()

	for _, m := range victims {
		q.finish(m, false, ReasonRemoved)
	}
}

// RunFilter re-evaluates the delegate filter against every pending entry,
// rebuilding the admissible subset. Call it when admissibility conditions
// change, e.g. on connectivity transitions.
func (q *Queue) RunFilter() {
	q.mu.Lock()
	q.admitted = 0
	for e := q.pending.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Message)
		m.admitted = q.delegate.Filter(m)
		if m.admitted {
			q.admitted++
		}
	}
	q.mu.Unlock()

	q.signal()
}

// Completed matches an asynchronous reply to an in-flight message. On a
// match (and no veto from the delegate's AcceptReply hook) the message is
// removed and ownership transfers to the caller, who is responsible for its
// terminal disposition and Release. Returns nil when the ID is unknown or
// the reply was vetoed; a vetoed message stays in flight until a later
// accepted reply or its timeout.
func (q *Queue) Completed(id uint64, payload any) *Message {
	q.mu.Lock()
	m, ok := q.inFlight[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if q.acceptor != nil && !q.acceptor.AcceptReply(m, payload) {
		q.mu.Unlock()
		return nil
	}
	q.detachInFlightLocked(m)
	q.mu.Unlock()

	q.signal() // an in-flight slot freed up
	return m
}

// CompletedFunc is Completed with a caller-supplied match predicate instead
// of an ID. The veto hook is not consulted. The first in-flight message the
// predicate accepts is removed and returned.
func (q *Queue) CompletedFunc(match func(*Message) bool) *Message {
	if match == nil {
		return nil
	}
	q.mu.Lock()
	var found *Message
	for _, m := range q.inFlight {
		if match(m) {
			found = m
			break
		}
	}
	if found != nil {
		q.detachInFlightLocked(found)
	}
	q.mu.Unlock()

	if found == nil {
		return nil
	}
	q.signal()
	return found
}

// IsBusy reports whether the worker is currently inside a Process call.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Contains reports whether the message is currently tracked (pending or in
// flight). It waits for concurrent processing to settle first, so a message
// transiently between sets does not produce a false negative.
func (q *Queue) Contains(m *Message) bool {
	if m == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waitSettledLocked()

	switch m.state {
	case stateInFlight:
		return q.inFlight[m.ID] == m
	case statePending:
		for e := q.pending.Front(); e != nil; e = e.Next() {
			if e.Value.(*Message) == m {
				return true
			}
		}
	}
	return false
}

// MaxInFlight returns the in-flight bound.
func (q *Queue) MaxInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxInFlight
}

// SetMaxInFlight adjusts the in-flight bound. Rejects values below 1.
func (q *Queue) SetMaxInFlight(n int) error {
	if n < 1 {
		return errBadLimit
	}
	q.mu.Lock()
	q.maxInFlight = n
	q.mu.Unlock()
	q.signal()
	return nil
}

// ReplyTimeout returns the per-message reply deadline window.
func (q *Queue) ReplyTimeout() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.replyTimeout
}

// SetReplyTimeout adjusts the reply deadline window. Rejects values below 1s.
// Messages already in flight keep their current deadline.
func (q *Queue) SetReplyTimeout(d time.Duration) error {
	if d < time.Second {
		return errBadTimeout
	}
	q.mu.Lock()
	q.replyTimeout = d
	q.mu.Unlock()
	q.signal()
	return nil
}

// PendingLen reports the number of pending (not yet dispatched) messages.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlightLen reports the number of messages awaiting a reply.
func (q *Queue) InFlightLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// ---- worker ----

func (q *Queue) run(stop, done chan struct{}) {
	defer close(done)
	for {
		q.mu.Lock()
		if q.state == stateCanceling {
			q.state = stateNotRunning
			q.mu.Unlock()
			return
		}

		if len(q.inFlight) >= q.maxInFlight {
			q.timedWaitLocked(q.replyTimeout, stop)
			expired := q.expireLocked()
			q.mu.Unlock()
			q.finishExpired(expired)
			continue
		}

		if q.admitted == 0 {
			// Keep the sleep short enough that reply deadlines are still
			// scanned promptly while anything is in flight.
			wait := idleWait
			if len(q.inFlight) > 0 && q.replyTimeout < wait {
				wait = q.replyTimeout
			}
			q.timedWaitLocked(wait, stop)
			expired := q.expireLocked()
			q.mu.Unlock()
			q.finishExpired(expired)
			continue
		}

		m := q.popAdmissibleLocked()
		if m == nil { // admitted count out of sync should not happen
			q.admitted = 0
			q.mu.Unlock()
			continue
		}
		if m.ExpectsReply {
			m.state = stateInFlight
			m.deadline = q.clk.Now().Add(q.replyTimeout)
			q.inFlight[m.ID] = m
			q.metrics.inFlightChanged(len(q.inFlight))
		} else {
			m.state = stateUnqueued // worker-owned for the duration of the send
		}
		m.sentOnce = true
		q.processing = true
		q.mu.Unlock()

		res := q.delegate.Process(m)

		var delay time.Duration
		var disposeOK bool
		var disposeReason Reason
		dispose := false

		q.mu.Lock()
		q.processing = false
		q.settled.Broadcast()
		q.metrics.processed(res)

		// A reply can land while Process is still on the wire. If it did,
		// Completed already transferred ownership to the reply caller and
		// the worker must not touch the message again.
		lost := m.ExpectsReply && q.inFlight[m.ID] != m

		switch {
		case lost:
			// nothing to do
		case res == ResultSuccess:
			if !m.ExpectsReply {
				dispose, disposeOK, disposeReason = true, true, ReasonNone
			}
			// reply-expecting messages stay in flight awaiting Completed
		case res == ResultSuccessHandled:
			q.detachInFlightLocked(m)
			dispose, disposeOK, disposeReason = true, true, ReasonNone
		case res == ResultInvalid:
			q.detachInFlightLocked(m)
			dispose, disposeOK, disposeReason = true, false, ReasonInvalid
		case res == ResultSendFailure, res == ResultDelaySend:
			q.detachInFlightLocked(m)
			if res == ResultSendFailure {
				m.errCount++
			}
			if m.errCount > m.Retries {
				dispose, disposeOK, disposeReason = true, false, ReasonRetryMax
			} else {
				q.requeueLocked(m)
				q.metrics.retried()
				delay = q.retryDelay
			}
		}
		q.mu.Unlock()

		if dispose {
			q.finish(m, disposeOK, disposeReason)
		}

		if delay > 0 {
			t := q.clk.Timer(delay)
			select {
			case <-stop:
				t.Stop()
			case <-t.C:
			}
		}
	}
}

// timedWaitLocked releases the lock, sleeps until a signal, cancellation or
// the deadline, then re-acquires the lock. A wakeup posted while the worker
// was busy is retained by the buffered channel, so no signal is lost.
func (q *Queue) timedWaitLocked(d time.Duration, stop chan struct{}) {
	q.mu.Unlock()
	t := q.clk.Timer(d)
	select {
	case <-q.wake:
		t.Stop()
	case <-stop:
		t.Stop()
	case <-t.C:
	}
	q.mu.Lock()
}

type expiredMessage struct {
	m      *Message
	reason Reason
}

// expireLocked scans in-flight entries for elapsed reply deadlines. Messages
// with budget left go back to pending; exhausted ones are returned for
// terminal disposition outside the lock. An entry without a deadline is a
// corrupt state and is dropped as invalid.
func (q *Queue) expireLocked() []expiredMessage {
	if len(q.inFlight) == 0 {
		return nil
	}
	now := q.clk.Now()
	var out []expiredMessage
	for id, m := range q.inFlight {
		if m.deadline.IsZero() {
			delete(q.inFlight, id)
			m.state = stateUnqueued
			out = append(out, expiredMessage{m: m, reason: ReasonInvalid})
			continue
		}
		if now.Before(m.deadline) {
			continue
		}
		delete(q.inFlight, id)
		m.deadline = time.Time{}
		m.sentOnce = true
		m.errCount++
		if m.errCount <= m.Retries {
			q.requeueLocked(m)
			q.metrics.timedOut(false)
		} else {
			m.state = stateUnqueued
			q.metrics.timedOut(true)
			out = append(out, expiredMessage{m: m, reason: ReasonRetryMax})
		}
	}
	q.metrics.inFlightChanged(len(q.inFlight))
	return out
}

func (q *Queue) finishExpired(expired []expiredMessage) {
	for _, e := range expired {
		q.finish(e.m, false, e.reason)
	}
}

// finish delivers the single terminal disposition and releases the payload.
// Callers must not hold the queue mutex.
func (q *Queue) finish(m *Message, ok bool, reason Reason) {
	q.metrics.disposed(ok, reason)
	if !q.log.IsZero() && !ok {
		q.log.Debug("message dropped",
			logx.Uint64("id", m.ID),
			logx.String("reason", reason.String()),
			logx.Int("errors", int(m.errCount)))
	}
	q.delegate.Notify(m, ok, reason)
	m.Release()
}

// waitSettledLocked blocks until no Process call is executing. The caller
// must hold the mutex; it is held again on return.
func (q *Queue) waitSettledLocked() {
	for q.processing {
		q.settled.Wait()
	}
}

func (q *Queue) popAdmissibleLocked() *Message {
	for e := q.pending.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Message)
		if m.admitted {
			q.detachPendingLocked(m)
			return m
		}
	}
	return nil
}

func (q *Queue) detachPendingLocked(m *Message) {
	if m.elem != nil {
		q.pending.Remove(m.elem)
		m.elem = nil
	}
	if m.admitted {
		m.admitted = false
		q.admitted--
	}
	m.state = stateUnqueued
}

func (q *Queue) detachInFlightLocked(m *Message) {
	if q.inFlight[m.ID] == m {
		delete(q.inFlight, m.ID)
		q.metrics.inFlightChanged(len(q.inFlight))
	}
	m.state = stateUnqueued
	m.deadline = time.Time{}
}

func (q *Queue) requeueLocked(m *Message) {
	m.state = statePending
	m.deadline = time.Time{}
	m.elem = q.pending.PushBack(m)
	m.admitted = q.delegate.Filter(m)
	if m.admitted {
		q.admitted++
	}
}

// signal nudges the worker. Coalesced: a pending wakeup is enough.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
