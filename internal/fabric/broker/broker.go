package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// Errors returned by broker operations.
var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrQueueFull    = errors.New("mailbox full")
	ErrTimeout      = errors.New("timeout")
	ErrDuplicate    = errors.New("agent already registered")
)

// Handler consumes a published message. Errors are logged, never propagated
// to the publisher.
type Handler func(*Message) error

// Filter optionally narrows a subscription.
type Filter func(*Message) bool

// Subscription is a registered topic handler.
type Subscription struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
	handler   Handler
	filter    Filter
}

// Config bounds broker resources.
type Config struct {
	MaxQueueSize   int
	MaxHistorySize int
}

// DefaultConfig returns broker defaults.
func DefaultConfig() Config {
	return Config{MaxQueueSize: 1000, MaxHistorySize: 1000}
}

// Stats tracks broker counters.
type Stats struct {
	MessagesSent      int64          `json:"messages_sent"`
	MessagesDelivered int64          `json:"messages_delivered"`
	MessagesExpired   int64          `json:"messages_expired"`
	RequestsSent      int64          `json:"requests_sent"`
	RequestsCompleted int64          `json:"requests_completed"`
	MailboxSizes      map[string]int `json:"mailbox_sizes"`
}

type pendingRequest struct {
	ch   chan any
	done bool
}

// Broker is the in-process message fabric.
type Broker struct {
	mu        sync.RWMutex
	cfg       Config
	agents    map[string]*AgentInfo
	mailboxes map[string]*mailbox
	subs      map[string]map[string]*Subscription // topic -> id -> sub
	pending   map[string]*pendingRequest          // request id -> future
	history   []*Message
	clock     ids.Clock
	stats     Stats
}

// NewBroker creates a broker.
func NewBroker(cfg Config) *Broker {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = 1000
	}
	return &Broker{
		cfg:       cfg,
		agents:    make(map[string]*AgentInfo),
		mailboxes: make(map[string]*mailbox),
		subs:      make(map[string]map[string]*Subscription),
		pending:   make(map[string]*pendingRequest),
		clock:     ids.RealClock{},
	}
}

// SetClock replaces the clock (test hook).
func (b *Broker) SetClock(c ids.Clock) {
	b.mu.Lock()
	b.clock = c
	b.mu.Unlock()
}

// RegisterAgent allocates a mailbox for the agent.
func (b *Broker) RegisterAgent(info AgentInfo) error {
	if info.ID == "" {
		return fmt.Errorf("agent id required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[info.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, info.ID)
	}
	now := b.clock.Now()
	info.RegisteredAt = now
	info.LastSeen = now
	if info.Status == "" {
		info.Status = "active"
	}
	b.agents[info.ID] = &info
	b.mailboxes[info.ID] = newMailbox(b.cfg.MaxQueueSize)
	return nil
}

// UnregisterAgent removes the agent and its mailbox.
func (b *Broker) UnregisterAgent(agentID string) {
	b.mu.Lock()
	mb := b.mailboxes[agentID]
	delete(b.agents, agentID)
	delete(b.mailboxes, agentID)
	b.mu.Unlock()
	if mb != nil {
		mb.close()
	}
}

// Agent returns registered agent info.
func (b *Broker) Agent(agentID string) (AgentInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return *a, true
}

// Agents lists registered agents.
func (b *Broker) Agents() []AgentInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]AgentInfo, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, *a)
	}
	return out
}

// Subscribe registers a handler for a topic. Topics are literal strings.
func (b *Broker) Subscribe(topic string, handler Handler, filter Filter) string {
	sub := &Subscription{
		ID:        ids.NewUUID(),
		Topic:     topic,
		CreatedAt: b.clock.Now(),
		handler:   handler,
		filter:    filter,
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.ID] = sub
	b.mu.Unlock()
	return sub.ID
}

// Unsubscribe removes a subscription; empty topic maps are pruned so an
// immediate subscribe/unsubscribe pair leaves no residue.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, byID := range b.subs {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			if len(byID) == 0 {
				delete(b.subs, topic)
			}
			return
		}
	}
}

// Publish fans the message out to every matching subscriber of its topic.
// Handler errors are logged and do not affect other subscribers.
func (b *Broker) Publish(msg *Message) {
	b.mu.Lock()
	b.stats.MessagesSent++
	b.history = append(b.history, msg)
	if len(b.history) > b.cfg.MaxHistorySize {
		b.history = b.history[len(b.history)-b.cfg.MaxHistorySize:]
	}
	var targets []*Subscription
	for _, sub := range b.subs[msg.Topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("topic", msg.Topic).Interface("panic", r).Msg("subscriber panicked")
				}
			}()
			if err := sub.handler(msg); err != nil {
				log.Warn().Err(err).Str("topic", msg.Topic).Str("sub", sub.ID).Msg("subscriber handler error")
			}
		}()
		b.mu.Lock()
		b.stats.MessagesDelivered++
		b.mu.Unlock()
	}
}

// Send enqueues a message to the receiver's mailbox. The push of one message
// into one mailbox is atomic.
func (b *Broker) Send(msg *Message) error {
	b.mu.RLock()
	mb, ok := b.mailboxes[msg.ReceiverID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %q: %w", msg.ReceiverID, ErrUnknownAgent)
	}
	if !mb.push(msg) {
		return fmt.Errorf("send to %q: %w", msg.ReceiverID, ErrQueueFull)
	}
	b.mu.Lock()
	b.stats.MessagesSent++
	b.mu.Unlock()
	return nil
}

// Broadcast sends a per-recipient copy to every registered agent except the
// sender.
func (b *Broker) Broadcast(msg *Message) int {
	b.mu.RLock()
	recipients := make(map[string]*mailbox, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		if id != msg.SenderID {
			recipients[id] = mb
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for id, mb := range recipients {
		c := msg.Copy()
		c.ReceiverID = id
		if mb.push(c) {
			delivered++
		}
	}
	b.mu.Lock()
	b.stats.MessagesSent += int64(delivered)
	b.mu.Unlock()
	return delivered
}

// Request sends a high-priority request and waits for the correlated
// response or the timeout. A non-positive timeout fails immediately.
func (b *Broker) Request(ctx context.Context, sender, receiver, topic string, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("request %s->%s: %w", sender, receiver, ErrTimeout)
	}
	msg := NewMessage(KindRequest, sender, receiver, topic, payload)
	msg.Priority = PriorityHigh

	fut := &pendingRequest{ch: make(chan any, 1)}
	b.mu.Lock()
	b.pending[msg.ID] = fut
	b.stats.RequestsSent++
	b.mu.Unlock()

	if err := b.Send(msg); err != nil {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-fut.ch:
		b.mu.Lock()
		b.stats.RequestsCompleted++
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		return result, nil
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		return nil, fmt.Errorf("request %s->%s on %q: %w", sender, receiver, topic, ErrTimeout)
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Respond resolves the pending future for the original request. When no
// future exists (late response after timeout) the response falls back to the
// requester's mailbox; if that is also gone it is silently dropped.
func (b *Broker) Respond(original *Message, payload any) error {
	b.mu.Lock()
	fut, ok := b.pending[original.ID]
	if ok && !fut.done {
		fut.done = true
		b.mu.Unlock()
		fut.ch <- payload
		return nil
	}
	b.mu.Unlock()

	resp := original.ResponseTo(payload)
	if err := b.Send(resp); err != nil {
		if errors.Is(err, ErrUnknownAgent) {
			return nil
		}
		return err
	}
	return nil
}

// Receive pops the highest-priority message from the agent's mailbox,
// dropping and counting expired ones. Returns (nil, nil) on timeout.
func (b *Broker) Receive(agentID string, timeout time.Duration) (*Message, error) {
	b.mu.RLock()
	mb, ok := b.mailboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("receive for %q: %w", agentID, ErrUnknownAgent)
	}

	deadline := b.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(b.clock.Now())
		msg := mb.pop(remaining)
		if msg == nil {
			return nil, nil
		}
		if msg.IsExpired(b.clock.Now()) {
			b.mu.Lock()
			b.stats.MessagesExpired++
			b.mu.Unlock()
			continue
		}
		b.mu.Lock()
		b.stats.MessagesDelivered++
		if a, ok := b.agents[agentID]; ok {
			a.LastSeen = b.clock.Now()
		}
		b.mu.Unlock()
		return msg, nil
	}
}

// History returns the retained publish history, oldest first.
func (b *Broker) History() []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Message(nil), b.history...)
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Broker) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, byID := range b.subs {
		n += len(byID)
	}
	return n
}

// Stats returns a counters snapshot including mailbox depths.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.MailboxSizes = make(map[string]int, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		s.MailboxSizes[id] = mb.size()
	}
	return s
}

// StartJanitor periodically prunes completed pending futures until done
// closes. Futures normally delete themselves; this sweeps leaks from
// abandoned requests.
func (b *Broker) StartJanitor(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				b.mu.Lock()
				for id, fut := range b.pending {
					if fut.done {
						delete(b.pending, id)
					}
				}
				b.mu.Unlock()
			}
		}
	}()
}
