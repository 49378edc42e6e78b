package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TopicHandler services a request or event addressed to this agent. The
// returned value becomes the response payload for requests.
type TopicHandler func(payload any, msg *Message) (any, error)

// Communicator is a per-agent convenience wrapper over the broker: it runs a
// receive loop, dispatches by topic, and auto-responds to requests.
type Communicator struct {
	AgentID string

	broker   *Broker
	mu       sync.RWMutex
	handlers map[string]TopicHandler
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// NewCommunicator registers the agent on the broker and returns its
// communicator. The agent stays registered until Close.
func NewCommunicator(b *Broker, info AgentInfo) (*Communicator, error) {
	if err := b.RegisterAgent(info); err != nil {
		return nil, err
	}
	return &Communicator{
		AgentID:  info.ID,
		broker:   b,
		handlers: make(map[string]TopicHandler),
	}, nil
}

// Handle registers a topic handler. Replaces any existing handler for the
// topic.
func (c *Communicator) Handle(topic string, h TopicHandler) {
	c.mu.Lock()
	c.handlers[topic] = h
	c.mu.Unlock()
}

// Start launches the receive loop. Idempotent.
func (c *Communicator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	go c.loop(ctx)
}

// Stop halts the receive loop. Idempotent; the agent stays registered.
func (c *Communicator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// Close stops the loop and unregisters the agent.
func (c *Communicator) Close() {
	c.Stop()
	c.broker.UnregisterAgent(c.AgentID)
}

// Request is a typed convenience over Broker.Request.
func (c *Communicator) Request(ctx context.Context, receiver, topic string, payload any, timeout time.Duration) (any, error) {
	return c.broker.Request(ctx, c.AgentID, receiver, topic, payload, timeout)
}

// Send delivers a one-way message to another agent.
func (c *Communicator) Send(receiver, topic string, payload any) error {
	return c.broker.Send(NewMessage(KindEvent, c.AgentID, receiver, topic, payload))
}

// Publish emits an event on a topic.
func (c *Communicator) Publish(topic string, payload any) {
	msg := NewMessage(KindEvent, c.AgentID, "", topic, payload)
	c.broker.Publish(msg)
}

func (c *Communicator) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := c.broker.Receive(c.AgentID, time.Second)
		if err != nil {
			log.Warn().Err(err).Str("agent", c.AgentID).Msg("receive failed, stopping loop")
			return
		}
		if msg == nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Communicator) dispatch(msg *Message) {
	c.mu.RLock()
	h := c.handlers[msg.Topic]
	c.mu.RUnlock()

	if h == nil {
		if msg.Kind == KindRequest {
			c.respondError(msg, fmt.Sprintf("no handler for topic %q", msg.Topic))
		}
		return
	}

	result, err := func() (out any, herr error) {
		defer func() {
			if r := recover(); r != nil {
				herr = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h(msg.Payload, msg)
	}()

	if msg.Kind != KindRequest {
		if err != nil {
			log.Warn().Err(err).Str("agent", c.AgentID).Str("topic", msg.Topic).Msg("handler error")
		}
		return
	}
	if err != nil {
		c.respondError(msg, err.Error())
		return
	}
	if rerr := c.broker.Respond(msg, result); rerr != nil {
		log.Warn().Err(rerr).Str("agent", c.AgentID).Str("topic", msg.Topic).Msg("respond failed")
	}
}

func (c *Communicator) respondError(msg *Message, reason string) {
	if err := c.broker.Respond(msg, map[string]any{"error": reason}); err != nil {
		log.Warn().Err(err).Str("agent", c.AgentID).Msg("error respond failed")
	}
}
