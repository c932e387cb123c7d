package store

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

const eventsChannel = "scraperd:events"

// RedisPublisher is the optional durable fan-out backplane named in the
// Domain Stack: the in-memory internal/events.Bus is the default and
// always present; RedisPublisher lets a second process (e.g. the HTTP
// façade running separately from the worker process) observe the same
// events by subscribing to eventsChannel.
type RedisPublisher struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedisPublisher(client *redis.Client, log *logger.Logger) *RedisPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisPublisher{client: client, log: log}
}

// Publish is an events.Subscriber: wire it with bus.Subscribe(publisher.Publish)
// to mirror every locally emitted event onto the Redis channel.
func (p *RedisPublisher) Publish(e model.ScraperEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("redis publisher: failed to marshal event, dropping", "error", err)
		return
	}
	if err := p.client.Publish(context.Background(), eventsChannel, payload).Err(); err != nil {
		p.log.Warn("redis publisher: publish failed, dropping", "error", err)
	}
}

// Subscribe returns a channel of events observed on eventsChannel from
// any process, for a façade process that isn't hosting the in-memory
// bus itself.
func (p *RedisPublisher) Subscribe(ctx context.Context) <-chan model.ScraperEvent {
	out := make(chan model.ScraperEvent)
	sub := p.client.Subscribe(ctx, eventsChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e model.ScraperEvent
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					p.log.Warn("redis publisher: failed to unmarshal event, dropping", "error", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
