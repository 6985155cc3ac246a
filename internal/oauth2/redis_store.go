package oauth2

import (
	"context"
	stderrors "errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"taxfiler/internal/common/errors"
)

// RedisInterface is the subset of the Redis client the token store needs
type RedisInterface interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const (
	redisTokenKey = "taxfiler:oauth2:token"
	// refreshGrace keeps the record alive after access expiry so the refresh
	// token can still be used by a process started later.
	refreshGrace = 30 * 24 * time.Hour
)

// RedisTokenStore keeps the encrypted token set in Redis so several
// processes on one machine share a single credential.
type RedisTokenStore struct {
	client RedisInterface
	sealer Sealer
	key    string
	now    func() time.Time
}

// NewRedisTokenStore creates a Redis-backed store
func NewRedisTokenStore(client RedisInterface, sealer Sealer) *RedisTokenStore {
	return &RedisTokenStore{client: client, sealer: sealer, key: redisTokenKey, now: time.Now}
}

func (s *RedisTokenStore) Save(ctx context.Context, set *TokenSet) error {
	if set == nil {
		return errors.ValidationError("token set is nil")
	}
	sealed, err := s.sealer.EncryptJSON(set)
	if err != nil {
		return err
	}

	ttl := set.ExpiryInstant().Sub(s.now()) + refreshGrace
	if ttl < time.Minute {
		ttl = time.Minute
	}

	if err := s.client.Set(ctx, s.key, sealed, ttl); err != nil {
		return errors.ConnectionError("failed to save token set to redis", err)
	}
	return nil
}

func (s *RedisTokenStore) Load(ctx context.Context) (*TokenSet, error) {
	sealed, err := s.client.Get(ctx, s.key)
	if err != nil {
		if stderrors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, errors.ConnectionError("failed to load token set from redis", err)
	}
	if sealed == "" {
		return nil, nil
	}

	var set TokenSet
	if err := s.sealer.DecryptJSON(sealed, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *RedisTokenStore) Clear(ctx context.Context) error {
	if err := s.client.Delete(ctx, s.key); err != nil {
		return errors.ConnectionError("failed to clear token set in redis", err)
	}
	return nil
}
