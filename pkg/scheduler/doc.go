/*
Package scheduler runs Warlock tasks when they fall due.

The scheduler keeps every task in an id index, a tag index and a heap
ordered by due time. The server loop calls Tick on every pass:

	┌──────────────────────────────────────────────────────────┐
	│                      Tick(now)                           │
	└───────────────┬──────────────────────────────────────────┘
	                │
	                ▼
	  1. waiting tasks re-enter Queued while process slots are free
	  2. pop every heap entry due at or before now
	       • Retry  → Queued
	       • runner/service at process.limit → Wait (limitHits++)
	       • otherwise Begin + Run, lateness logged and counted
	  3. running tasks past their timeout are terminated
	  4. finished tasks past their expiry are dropped
	                │
	                ▼
	        next due time (for the loop timer)

Outcomes:

	Complete         execs++; recurring tasks queue a Successor
	Error            Retry at now+RetryDelay while retries < MaxRetries,
	                 otherwise terminal (failed++)
	service exit≠0   looked up in task.ServiceExit; restarts immediately
	                 up to ServiceRestarts, then a configured service is
	                 disabled for ServiceDisable and a dynamic one gives up
	Cancel(grace)    kept for grace so late reports still resolve

Worker processes report through Report (STATUS packets) and ProcessExited
(the exit code). Both may arrive in either order; whichever comes second is
ignored.

Tags group task families. Schedule skips a task whose tag already has an
active task unless overwrite is set, in which case the family is cancelled
first.

A Scheduler is owned by a single goroutine and does no locking.
*/
package scheduler
