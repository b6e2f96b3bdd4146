package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Redis is a Channel over a Redis pub/sub topic per document. Redis fans
// every published message out to all subscribers, the publisher included, so
// the echo-confirmation contract holds without extra work.
type Redis struct {
	rdb    *redis.Client
	key    string
	inbox  chan []byte
	cancel context.CancelFunc
	logger *slog.Logger
}

var _ Channel = (*Redis)(nil)

func NewRedis(rdb *redis.Client, docID string) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		rdb:    rdb,
		key:    "coedit/" + docID,
		inbox:  make(chan []byte, 64),
		cancel: cancel,
		logger: slog.Default(),
	}
	go r.run(ctx)
	return r
}

func (r *Redis) run(ctx context.Context) {
	defer close(r.inbox)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // keep resubscribing for the life of the channel
	for {
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		r.logger.Warn("redis subscription lost, resubscribing",
			"key", r.key, "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Redis) consume(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.key)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			select {
			case r.inbox <- []byte(msg.Payload):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Redis) Send(msg interface{}) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(context.Background(), r.key, buf).Err()
}

func (r *Redis) Inbox() <-chan []byte {
	return r.inbox
}

func (r *Redis) Close() error {
	r.cancel()
	return nil
}
