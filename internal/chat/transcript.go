package chat

import (
	"fmt"
	"sync"
	"time"
)

// Sender identifies who produced a message
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// ParseSender validates a configured sender name
func ParseSender(s string) (Sender, error) {
	switch Sender(s) {
	case SenderUser, SenderAI:
		return Sender(s), nil
	}
	return "", fmt.Errorf("invalid sender %q (must be user or ai)", s)
}

// Message is one chat transcript entry
type Message struct {
	Sender Sender    `json:"sender"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Sink receives completed exchanges
type Sink interface {
	Deliver(Message)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Message)

func (f SinkFunc) Deliver(m Message) { f(m) }

const subscriberBuffer = 16

// Transcript is an in-memory, append-only message list. It is never persisted.
type Transcript struct {
	mu          sync.Mutex
	messages    []Message
	subscribers map[chan Message]struct{}
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{
		subscribers: make(map[chan Message]struct{}),
	}
}

// Deliver appends m and fans it out to subscribers. Slow subscribers miss
// messages rather than block the caller.
func (t *Transcript) Deliver(m Message) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages = append(t.messages, m)
	for ch := range t.subscribers {
		select {
		case ch <- m:
		default:
		}
	}
}

// Messages returns a copy of the transcript in delivery order
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of delivered messages
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Subscribe returns a channel receiving every message delivered after the
// call, and a function that unsubscribes and closes the channel.
func (t *Transcript) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
