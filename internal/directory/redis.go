package directory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis-backed directory.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Redis resolves people from hashes stored at <prefix>:person:<number>
// with fields "id" and "name". Extension names come from a static map.
type Redis struct {
	client *redis.Client
	prefix string
	names  *Static
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions, extensions map[string]string) (*Redis, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "callctl:directory"
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: c, prefix: prefix, names: NewStatic(extensions)}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(number string) string {
	return PersonKey(r.prefix, number)
}

// PersonKey returns the hash key holding a person record.
func PersonKey(prefix, number string) string {
	return fmt.Sprintf("%s:person:%s", prefix, strings.TrimSpace(number))
}

func (r *Redis) ResolvePerson(ctx context.Context, number string) (*Person, error) {
	vals, err := r.client.HGetAll(ctx, r.key(number)).Result()
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", number, err)
	}
	return personFromHash(number, vals)
}

func (r *Redis) ExtensionName(extension string) string {
	return r.names.ExtensionName(extension)
}

func personFromHash(number string, vals map[string]string) (*Person, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	id, err := strconv.ParseInt(vals["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("person %s: invalid id %q", number, vals["id"])
	}
	return &Person{ID: id, Name: vals["name"], Number: number}, nil
}
