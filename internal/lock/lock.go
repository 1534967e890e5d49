// Package lock provides the cross-replica lock that keeps a single indexer
// poll running at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out a short-lived exclusive lease. ok is false when another
// holder owns the lease; release must be called when ok is true.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Noop always grants the lease. Used when redis is not configured.
type Noop struct{}

func (Noop) TryAcquire(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lock key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still holds our token.
// KEYS[1] = lock key, ARGV[1] = token, ARGV[2] = ttl in ms
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis holds the lease as a SET NX PX key. While held, the lease is renewed
// every TTL/3 so a poll that outlives TTL keeps it.
type Redis struct {
	Client redis.UniversalClient
	Key    string
	TTL    time.Duration
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{Client: client, Key: key, TTL: ttl}
}

func (l *Redis) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis SetNX %s: %w", l.Key, err)
	}
	if !ok {
		return nil, false, nil
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go l.renew(token, done, stopped)
	release := func() {
		close(done)
		<-stopped
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.Client, []string{l.Key}, token).Err()
	}
	return release, true, nil
}

// renew extends the lease until done is closed or the key stops holding token.
func (l *Redis) renew(token string, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	every := l.TTL / 3
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := extendScript.Run(ctx, l.Client, []string{l.Key}, token, l.TTL.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}
