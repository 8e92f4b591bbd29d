// Package redis mirrors the signaling router's roster into Redis so other
// processes on the host (a status page, a second router) can see who is
// connected. The router works without it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mossy-p/lancast/config"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/redis/go-redis/v9"
)

const rosterTTL = 24 * time.Hour

// Mirror writes roster changes under "router:<localID>:peers".
type Mirror struct {
	client *redis.Client
	key    string
}

// Connect initializes the Redis client and checks connectivity.
func Connect(ctx context.Context, cfg config.RedisConfig, localID models.PeerID) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewMirror(client, localID), nil
}

// NewMirror wraps an existing client.
func NewMirror(client *redis.Client, localID models.PeerID) *Mirror {
	return &Mirror{client: client, key: "router:" + string(localID) + ":peers"}
}

// Add records a connected peer.
func (m *Mirror) Add(ctx context.Context, info models.PeerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.key, string(info.ID), data)
	pipe.Expire(ctx, m.key, rosterTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove drops a peer from the mirror.
func (m *Mirror) Remove(ctx context.Context, id models.PeerID) error {
	return m.client.HDel(ctx, m.key, string(id)).Err()
}

// Peers reads the mirrored roster.
func (m *Mirror) Peers(ctx context.Context) ([]models.PeerInfo, error) {
	entries, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, err
	}
	peers := make([]models.PeerInfo, 0, len(entries))
	for _, raw := range entries {
		var info models.PeerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		peers = append(peers, info)
	}
	return peers, nil
}

// Clear removes the whole roster, used when the router stops.
func (m *Mirror) Clear(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}

// Close closes the Redis connection
func (m *Mirror) Close() error {
	return m.client.Close()
}
