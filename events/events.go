// Package events publishes notifications about accepted rules.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// TypeRuleAccepted is emitted once a rule has been stored and its artifacts checked.
const TypeRuleAccepted = "rule.accepted"

// Event is anything with a type and a JSON payload.
type Event interface {
	EventType() string
	Payload() any
}

// RuleAccepted announces a stored rule.
type RuleAccepted struct {
	RunID      string    `json:"run_id"`
	RuleID     string    `json:"rule_id"`
	Name       string    `json:"name"`
	Industry   string    `json:"industry"`
	Verified   bool      `json:"verified"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e RuleAccepted) EventType() string { return TypeRuleAccepted }
func (e RuleAccepted) Payload() any      { return e }

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// ChannelPublisher publishes onto an in-process watermill gochannel.
// Subscribers receive each event's payload as JSON on a topic named after its type.
type ChannelPublisher struct {
	pubSub *gochannel.GoChannel
}

func NewChannelPublisher() *ChannelPublisher {
	return &ChannelPublisher{
		pubSub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewStdLogger(false, false)),
	}
}

func (p *ChannelPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set("type", e.EventType())
	if err := p.pubSub.Publish(e.EventType(), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.EventType(), err)
	}
	return nil
}

// Subscribe returns the messages published on topic from now on.
func (p *ChannelPublisher) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.pubSub.Subscribe(ctx, topic)
}

func (p *ChannelPublisher) Close() error {
	return p.pubSub.Close()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
func (Discard) Close() error                         { return nil }
