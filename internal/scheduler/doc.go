// Package scheduler is the durable execution-session orchestrator.
//
// It owns at most one active cron registration, tracks each run as a session
// persisted in the storage package, retries failed runs with exponential
// backoff, and rebuilds retry timers from durable state after a restart.
//
// State machine per session:
//
//	pending --(generate+send succeeds)--> confirmed
//	pending --(generate+send fails)-----> failed
//	failed  --(retryCount < max)--------> pending (after backoff)
//	failed  --(retryCount >= max)-------> failed (terminal)
//
// Manual triggers propagate failures to their caller; cron-triggered runs
// only log, since no synchronous caller exists.
package scheduler
