// Package notify carries engine output to the outside: domain events to
// change subscribers and human-facing notices to a notification sink.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"journeyline/internal/domain"
)

// Publisher receives domain events after the mutation that produced them
// committed.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Bus is an in-process fan-out. Slow subscribers lose events instead of
// blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan domain.Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

const DefaultChannel = "journeyline.events"

func NewRedisPublisher(addr, password string, db int, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{Client: rdb, Channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Channel, data).Err()
}

func (p *RedisPublisher) Close() error {
	return p.Client.Close()
}

// Publishers fans out to every publisher and joins their errors.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
