package async

import (
	"context"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// MessageType names a stream message
type MessageType string

const (
	MessageStarted  MessageType = "started"
	MessageProgress MessageType = "progress"
	MessageDone     MessageType = "done"
	MessageError    MessageType = "error"
	MessageCanceled MessageType = "canceled"
	// MessageEnd is the sentinel that closes every stream
	MessageEnd MessageType = "end"
)

// IsTerminal reports whether the message carries a terminal run status
func (t MessageType) IsTerminal() bool {
	return t == MessageDone || t == MessageError || t == MessageCanceled
}

// Message is one stream entry: a type and the run snapshot at publish time
type Message struct {
	Type MessageType `json:"type"`
	Run  *Run        `json:"run,omitempty"`
}

// ErrStreamClosed is returned by Next once a subscription is drained and closed
var ErrStreamClosed = errors.New("stream closed")

// finishedRetention bounds how many terminal messages are kept for late
// subscribers before falling back to the store
const finishedRetention = 512

// Broker fans run progress out to subscribers. Every subscription has its own
// unbounded buffer, so a slow consumer never blocks the run that publishes.
type Broker struct {
	mu       sync.Mutex
	streams  map[int64]map[string]*Subscription
	finished *lru.Cache[int64, Message]
	// processed count of the newest snapshot delivered per run
	delivered map[int64]int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	finished, err := lru.New[int64, Message](finishedRetention)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Broker{
		streams:   make(map[int64]map[string]*Subscription),
		finished:  finished,
		delivered: make(map[int64]int),
	}
}

// Subscribe attaches a new subscription to a run's stream. Subscribing to a
// run that already finished yields its terminal message followed by end.
func (b *Broker) Subscribe(runID int64) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		RunID:  runID,
		broker: b,
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if msg, ok := b.finished.Get(runID); ok {
		sub.push(msg, Message{Type: MessageEnd, Run: msg.Run})
		sub.closeInput()
		return sub
	}

	subs := b.streams[runID]
	if subs == nil {
		subs = make(map[string]*Subscription)
		b.streams[runID] = subs
	}
	subs[sub.ID] = sub
	return sub
}

// Publish delivers a non-terminal message to the run's current subscribers.
// Messages for finished runs are dropped, and so are snapshots whose processed
// count is behind one already delivered: counters only grow, so such a
// snapshot lost a race with a later tick.
func (b *Broker) Publish(runID int64, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished.Contains(runID) {
		return
	}
	if msg.Run != nil {
		if last, ok := b.delivered[runID]; ok && msg.Run.Processed < last {
			return
		}
		b.delivered[runID] = msg.Run.Processed
	}
	for _, sub := range b.streams[runID] {
		sub.push(msg)
	}
}

// Finalize publishes the terminal message and the end sentinel, then closes
// the stream. Only the first call for a run has any effect.
func (b *Broker) Finalize(runID int64, msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished.Contains(runID) {
		return false
	}
	b.finished.Add(runID, msg)
	delete(b.delivered, runID)

	end := Message{Type: MessageEnd, Run: msg.Run}
	for _, sub := range b.streams[runID] {
		sub.push(msg, end)
		sub.closeInput()
	}
	delete(b.streams, runID)
	return true
}

// Subscribers returns the number of live subscriptions for a run
func (b *Broker) Subscribers(runID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[runID])
}

func (b *Broker) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.streams[sub.RunID]
	if subs == nil {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.streams, sub.RunID)
	}
}

// Subscription is one consumer's view of a run stream
type Subscription struct {
	ID    string
	RunID int64

	broker *Broker
	mu     sync.Mutex
	buf    []Message
	closed bool
	notify chan struct{}
}

func (s *Subscription) push(msgs ...Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, msgs...)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) closeInput() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next message in publish order. It blocks until a message
// arrives, the context ends, or the stream is closed and empty
// (ErrStreamClosed).
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf[0] = Message{}
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Message{}, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending returns the number of buffered messages
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Drain hands every message to fn until a terminal message has been seen and
// the subscription is empty. A non-nil error from fn stops the drain.
func (s *Subscription) Drain(ctx context.Context, fn func(Message) error) error {
	for {
		msg, err := s.Next(ctx)
		if errors.Is(err, ErrStreamClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// Close detaches the subscription; buffered messages are discarded
func (s *Subscription) Close() {
	s.broker.detach(s)
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	s.signal()
}
