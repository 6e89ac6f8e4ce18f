// Package redis opens go-redis clients for the Redis blob store.
//
// Open parses a redis:// or rediss:// URL, applies the pool settings from
// Config and pings the server, retrying with a linearly growing pause:
//
//	client, err := redis.Open(ctx, redis.Config{URL: os.Getenv("REDIS_URL")})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	store := blob.NewRedis(client, blob.WithRedisTTL(24*time.Hour))
//
// Healthcheck returns a closure suitable for the readiness endpoint and
// Shutdown a hook closing the client.
package redis
