package events

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// RedisNotifier publishes task events on a Redis channel so every API
// instance can forward them to its stream subscribers.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev domain.TaskEvent) error {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Relay copies events from a Redis channel into a Hub.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRelay(client *redis.Client, channel string, hub *Hub) *Relay {
	return &Relay{
		client:     client,
		channel:    channel,
		hub:        hub,
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run relays until ctx is cancelled. A subscription that cannot be
// established or is lost is retried with exponential backoff.
func (r *Relay) Run(ctx context.Context) {
	backoff := r.minBackoff
	for {
		subscribed, err := r.relay(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			backoff = r.minBackoff
		}
		log.WithError(err).WithFields(log.Fields{"channel": r.channel, "retry_in": backoff}).Warn("task event relay interrupted")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
}

// relay runs one subscription. subscribed reports whether it was established.
func (r *Relay) relay(ctx context.Context) (subscribed bool, err error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return false, err
	}
	log.WithField("channel", r.channel).Info("relaying task events")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-msgs:
			if !ok {
				return true, errors.New("subscription closed")
			}
			var ev domain.TaskEvent
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				log.WithError(err).WithField("channel", r.channel).Warn("dropping malformed task event")
				continue
			}
			if ev.OwnerID == "" {
				continue
			}
			r.hub.Broadcast(ev)
		}
	}
}
