package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "ipguard:config:settings"
	redisConfigChannel = "ipguard:config:updates"
	redisOpTimeout     = 5 * time.Second
)

// sharedConfig is the snapshot instances exchange through redis.
type sharedConfig struct {
	Origin    string    `json:"origin"`
	UpdatedAt time.Time `json:"updated_at"`
	Config    Config    `json:"config"`
}

// syncOrigin identifies this process so it can skip its own broadcasts.
var syncOrigin = uuid.NewString()

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

var globalRedisSync redisSyncState

// EnableRedisSynchronization makes redis the shared source of the configuration:
// a valid shared snapshot is adopted, otherwise the local one is published, and
// remote updates are followed until ctx ends.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		cancel()
		return
	}
	globalRedisSync.client = client
	globalRedisSync.ctx = syncCtx
	globalRedisSync.cancel = cancel
	globalRedisSync.mu.Unlock()

	if err := adoptOrSeed(syncCtx, client); err != nil {
		log.Error("Config sync: initial synchronization failed", "error", err)
	}

	go followSharedConfig(syncCtx, client)
}

// DisableRedisSynchronization stops the subscriber. Used on shutdown and in tests.
func DisableRedisSynchronization() {
	globalRedisSync.mu.Lock()
	defer globalRedisSync.mu.Unlock()

	if globalRedisSync.cancel != nil {
		globalRedisSync.cancel()
	}
	globalRedisSync.client = nil
	globalRedisSync.ctx = nil
	globalRedisSync.cancel = nil
}

// adoptOrSeed installs the shared snapshot when it passes validation. A missing or
// invalid shared snapshot is replaced by the local configuration. When redis cannot
// be read the local configuration stays and nothing is written.
func adoptOrSeed(ctx context.Context, client *redis.Client) error {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	payload, err := client.Get(opCtx, redisConfigKey).Bytes()
	cancel()

	switch {
	case errors.Is(err, redis.Nil):
		log.Info("Config sync: no shared configuration, publishing local settings")
	case err != nil:
		return fmt.Errorf("read shared configuration: %w", err)
	default:
		shared, err := decodeShared(payload)
		if err == nil {
			log.Info("Config sync: adopting shared configuration", "origin", shared.Origin, "updated_at", shared.UpdatedAt)
			return applyConfigUpdate(shared.Config, configUpdateOptions{persistToFile: true, source: "redis"})
		}
		log.Warn("Config sync: shared configuration rejected, replacing it with local settings", "error", err)
	}

	return broadcastConfigUpdate(GetConfig())
}

func followSharedConfig(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if _, err := applySharedPayload([]byte(msg.Payload)); err != nil {
			log.Error("Config sync: remote update rejected", "error", err)
		}
	}
}

// applySharedPayload installs a snapshot published by another instance. It reports
// false for this instance's own echoes.
func applySharedPayload(payload []byte) (bool, error) {
	shared, err := decodeShared(payload)
	if err != nil {
		return false, err
	}
	if shared.Origin == syncOrigin {
		return false, nil
	}
	if err := applyConfigUpdate(shared.Config, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
		return false, err
	}
	log.Debug("Config sync: remote update applied", "origin", shared.Origin)
	return true, nil
}

// decodeShared fills fields missing from the payload with defaults and validates the
// result, so a peer running an older build cannot push a partial configuration.
func decodeShared(payload []byte) (sharedConfig, error) {
	shared := sharedConfig{Config: Defaults()}
	if err := json.Unmarshal(payload, &shared); err != nil {
		return sharedConfig{}, fmt.Errorf("%w: decode shared payload: %v", ErrInvalidConfig, err)
	}
	shared.Config.Detection = shared.Config.Detection.Normalize()
	if err := shared.Config.Validate(); err != nil {
		return sharedConfig{}, err
	}
	return shared, nil
}

// broadcastConfigUpdate stores cfg as the shared snapshot and notifies peers. It is a
// no-op while synchronization is disabled.
func broadcastConfigUpdate(cfg Config) error {
	globalRedisSync.mu.RLock()
	client := globalRedisSync.client
	baseCtx := globalRedisSync.ctx
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}

	payload, err := json.Marshal(sharedConfig{Origin: syncOrigin, UpdatedAt: time.Now().UTC(), Config: cfg})
	if err != nil {
		return err
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisConfigChannel, payload).Err()
}
