// Package clustertasks provides a cluster-wide task queue and scheduler on top
// of relational storage.
//
// Any number of nodes share one database as the single source of truth. Each
// node runs two control loops: a dispatch loop that claims eligible tasks and
// runs them in bounded per-type worker pools, and a maintenance loop that
// collects finished tasks, recovers stale ones and re-arms recurring tasks.
// There is no coordinator: every cross-node guarantee comes from atomic claims
// and unique indexes in the shared store.
//
// # Quick Start
//
//	pool, err := db.Connect(ctx, db.Config{ConnectionString: os.Getenv("DATABASE_CONN_URL")})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := postgres.New(pool)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc := clustertasks.New(
//	    clustertasks.WithComponentLogger("tasks", logger.TaskExtractors()...),
//	    clustertasks.WithProvider(clustertasks.KindDB, store),
//	    clustertasks.WithProcessors(
//	        processor.New("send_report", sendReport, processor.WithConcurrency(4)),
//	        processor.NewScheduled("purge_sessions", 10*time.Minute, purgeSessions),
//	    ),
//	)
//
//	if err := clustertasks.Run(svc, clustertasks.ShutdownHook(db.Shutdown(pool))); err != nil {
//	    log.Fatal(err)
//	}
//
// # Submitting Tasks
//
// Tasks are submitted for a processor type and routed to a provider kind.
// Each task gets its own result; a uniqueness collision is reported as
// task.PersistUniqueConstraint rather than as an error:
//
//	results, err := svc.Enqueue(ctx, clustertasks.KindDB, "send_report",
//	    task.New(body).WithConcurrencyKey("account:42"),
//	    task.New(body).WithUniquenessKey("monthly:2026-01"),
//	)
//
// # Keys
//
// Tasks sharing a concurrency key run one at a time, in submission order,
// across the whole cluster. Distinct keys share a processor's worker slots
// fairly: every key with pending work gets at most one slot per claim round
// before keyless tasks fill what remains. A uniqueness key allows at most one
// unfinished task per key and also acts as its concurrency key.
//
// # Scheduled Tasks
//
// A recurring processor owns a single SCHEDULED task cluster-wide. Every node
// tries to create it at start; the unique index lets exactly one succeed.
// After each run the task is re-armed for the next interval, so the rate does
// not depend on the number of nodes. Reschedule changes the interval at runtime.
//
// # Delivery
//
// Claims are exclusive, delivery is at least once. A task running longer than
// its time budget is presumed abandoned and becomes eligible again, so
// processors should be idempotent.
//
// # Storage
//
// Providers live under pkg/provider: postgres, mysql, sqlite and memory, plus
// an offload decorator that keeps large bodies in S3 or Redis.
package clustertasks
