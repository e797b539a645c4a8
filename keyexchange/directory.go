package keyexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const identityKeyPrefix = "identity:"

// ErrBundleNotFound is returned when a user has not published a bundle.
var ErrBundleNotFound = errors.New("keyexchange: identity bundle not found")

// Directory stores published identity bundles.
type Directory interface {
	Publish(ctx context.Context, bundle *IdentityBundle) error
	Fetch(ctx context.Context, userID string) (*IdentityBundle, error)
}

// RedisDirectory keeps bundles under identity:{userID}.
type RedisDirectory struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDirectory returns a directory backed by client. A zero ttl keeps
// bundles until they are replaced.
func NewRedisDirectory(client redis.UniversalClient, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{client: client, ttl: ttl}
}

// Publish stores bundle, replacing any previous bundle for the same user.
func (d *RedisDirectory) Publish(ctx context.Context, bundle *IdentityBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal identity bundle: %w", err)
	}
	if err := d.client.Set(ctx, identityKeyPrefix+bundle.UserID, data, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to publish identity bundle: %w", err)
	}
	return nil
}

// Fetch loads the bundle published by userID.
func (d *RedisDirectory) Fetch(ctx context.Context, userID string) (*IdentityBundle, error) {
	data, err := d.client.Get(ctx, identityKeyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, userID)
		}
		return nil, fmt.Errorf("failed to fetch identity bundle: %w", err)
	}

	var bundle IdentityBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &bundle, nil
}

// MemoryDirectory is an in-process Directory for tests and single-host setups.
type MemoryDirectory struct {
	mu      sync.RWMutex
	bundles map[string]IdentityBundle
}

// NewMemoryDirectory returns an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{bundles: make(map[string]IdentityBundle)}
}

// Publish stores a copy of bundle.
func (d *MemoryDirectory) Publish(_ context.Context, bundle *IdentityBundle) error {
	d.mu.Lock()
	d.bundles[bundle.UserID] = *bundle
	d.mu.Unlock()
	return nil
}

// Fetch returns a copy of the bundle published by userID.
func (d *MemoryDirectory) Fetch(_ context.Context, userID string) (*IdentityBundle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bundle, ok := d.bundles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, userID)
	}
	return &bundle, nil
}
