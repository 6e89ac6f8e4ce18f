package redis

import (
	"context"
	"errors"
	"io"

	"github.com/redis/go-redis/v9"
)

// ErrHealthcheckFailed is returned by Healthcheck when the server cannot be reached.
var ErrHealthcheckFailed = errors.New("redis: healthcheck failed")

// Healthcheck returns a closure for the readiness endpoint. A node whose
// blob store is unreachable cannot load offloaded bodies, so it should not
// take traffic.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if client == nil {
			return ErrHealthcheckFailed
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Shutdown returns a hook that closes the client, for use in the node's
// shutdown sequence after the task service has stopped.
func Shutdown(client io.Closer) func(ctx context.Context) error {
	return func(context.Context) error {
		return client.Close()
	}
}
