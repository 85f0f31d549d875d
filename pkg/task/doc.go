/*
Package task defines the unit of work run by the Warlock scheduler.

A Task has a kind, a due time and a status that moves along a fixed graph:

	Init ──► Queued ──► Starting ──► Running ──► Complete
	  │        │  ▲         │           │
	  │        ▼  │         ▼           ▼
	  │       Wait          Error ◄─────┘
	  │                      │
	  │                      ▼
	  │                    Retry ──► Queued
	  ▼
	Cancelled  (reachable from Init, Queued, Starting, Running, Retry, Wait)

Complete and Cancelled are terminal. Error is terminal once the scheduler
has used up the task's retries. Transition rejects every other move with a
TransitionError.

Internal tasks call a Go function. Runner and service tasks are launched
through a Launcher, which returns a Handle to the worker process; Run sends
the worker an EXEC or SERVICE packet and the task then follows the worker's
status reports.

Recurring tasks carry a Schedule (cron expressions via robfig/cron). They
never leave Complete; the scheduler queues a Successor instead.
*/
package task
