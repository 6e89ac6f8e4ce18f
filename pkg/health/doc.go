// Package health provides HTTP handlers for the liveness and readiness probes
// of a task node.
//
// [LivenessHandler] always responds OK while the process runs.
// [ReadinessHandler] executes a set of [Checks] in parallel and responds 503
// when any of them fails:
//
//	r.Get("/health/live", health.LivenessHandler())
//	r.Get("/health/ready", health.ReadinessHandler(health.Checks{
//	    "tasks":    svc.Healthcheck(),
//	    "postgres": db.Healthcheck(pool),
//	    "redis":    redis.Healthcheck(client),
//	}))
//
// Handlers answer in plain text by default. Send Accept: application/json or
// ?format=json to get the per-check report:
//
//	{"status":"unhealthy","checks":{"tasks":{"status":"unhealthy","error":"clustertasks: service not ready"}}}
//
// [Run] and [Aggregate] expose the same check runner without HTTP.
package health
