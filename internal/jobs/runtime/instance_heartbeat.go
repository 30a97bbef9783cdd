package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "ipguard:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second
)

var (
	instanceID      = generateInstanceID()
	instanceStarted = time.Now().UTC()
)

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// InstanceID identifies this process among the guard instances sharing redis.
func InstanceID() string { return instanceID }

// StartInstanceHeartbeat keeps a short-lived key alive so peers can count live instances.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, interval, ttl time.Duration) {
	if client == nil {
		return
	}
	key := InstanceHeartbeatKeyPrefix + instanceID
	started := instanceStarted.Format(time.RFC3339)

	beat := func() {
		if err := client.SetEx(ctx, key, started, ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", key, "error", err)
		}
	}

	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = client.Del(delCtx, key).Err()
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// CountActiveInstances counts heartbeat keys with SCAN so large keyspaces are not blocked.
func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	if client == nil {
		return 1, nil
	}

	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, InstanceHeartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
