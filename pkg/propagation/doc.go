// Package propagation pushes identity changes out to external resources.
//
// An Executor turns one engine.IdentityChange into one PropagationTask per
// resource that provisions the change's any-type, ranks the tasks by resource
// priority and runs them on a bounded worker pool. A resource flagged
// BlockingPriority holds back every lower-ranked task of the same change
// until its own status is recorded.
//
// Each task borrows a handle from the connector pool, checks whether the
// remote object exists (unless the connector creates idempotently), decides
// between create and update, and records a TaskExecution with the outcome.
// Tasks of asynchronous resources are queued instead; a Reattempter drains
// the queue on a cron schedule and re-queues failures with the resource's
// backoff until its attempts are exhausted.
//
// Once started, a task runs to completion even if the caller's context is
// cancelled. Tasks not yet started are reported NOT_ATTEMPTED.
package propagation
