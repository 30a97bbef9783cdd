package blacklist

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	updatesChannel = "ipguard:blacklist:updates"
	publishTimeout = 2 * time.Second
)

// EnableRedisSync publishes every local change on the updates channel and refreshes
// entries changed by peers. It returns once the subscription is established.
func (s *Store) EnableRedisSync(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return errors.New("blacklist: redis client is nil")
	}

	pubsub := client.Subscribe(ctx, updatesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	s.notifyMu.Lock()
	s.notify = func(ctx context.Context, ip string) {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := client.Publish(opCtx, updatesChannel, ip).Err(); err != nil {
			log.Warn("Blacklist sync: publish failed", "ip", ip, "error", err)
		}
	}
	s.notifyMu.Unlock()

	go s.followUpdates(ctx, pubsub)
	return nil
}

func (s *Store) followUpdates(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Refresh(ctx, msg.Payload); err != nil {
				log.Warn("Blacklist sync: refresh failed", "ip", msg.Payload, "error", err)
			}
		}
	}
}
