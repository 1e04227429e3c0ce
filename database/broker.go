package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "collab."

// Message kinds carried by the broker.
const (
	KindFrame  = "frame"
	KindRevoke = "revoke"
)

// Message is one event fanned out to the other server instances.
type Message struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Kind   string `json:"kind"`
	Sender string `json:"sender,omitempty"`
	User   string `json:"user,omitempty"`
	Frame  []byte `json:"frame,omitempty"`
}

// Broker relays room traffic between server instances over redis pub/sub.
type Broker struct {
	rdb      *redis.Client
	instance string
}

// NewBroker returns a broker with a fresh instance id.
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb, instance: uuid.NewString()}
}

// Instance returns the id stamped on every message this broker publishes.
func (b *Broker) Instance() string {
	return b.instance
}

// Publish sends msg to every other instance.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	msg.Origin = b.instance
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelPrefix+msg.Room, payload).Err()
}

// Subscribe delivers messages published by other instances until ctx is
// done. The returned channel is closed when the subscription ends. The
// subscription is active once Subscribe returns.
func (b *Broker) Subscribe(ctx context.Context) (<-chan Message, error) {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Warn().Err(err).Str("channel", raw.Channel).Msg("dropping undecodable broker message")
					continue
				}
				if msg.Origin == b.instance {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
