// Package redis connects to the Redis instance that stores delayed jobs.
//
// Connect retries the initial ping according to Config, which is populated
// from REDIS_* environment variables. Healthcheck adapts a client into a
// readiness probe.
package redis
