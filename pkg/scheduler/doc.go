// Package scheduler runs callbacks at or after their due time on a fixed
// pool of worker goroutines.
//
// # Overview
//
// Callbacks are scheduled one-shot (ScheduleNow / ScheduleAt / ScheduleIn)
// or recurring (ScheduleRecurring and variants). Every schedule call returns
// a Handle that can be used with Cancel or BlockingCancel. Internally the
// scheduler keeps a due-time min-heap; each worker repeatedly fetches the
// earliest due task and runs it. Scheduling a task earlier than the current
// head preempts any worker waiting on the head's deadline.
//
// # Clocks
//
// All due-time comparisons and timed waits go through an injected
// clock.Clock. Production schedulers use clock.Real() (the default); tests
// inject a clock.MockClock and drive time explicitly, using
// WaitUntilAllWorkersAsleep to observe quiescence deterministically.
//
// # Lifecycle
//
// A scheduler starts Idle, moves to Started on Start, and reaches Stopped
// via Stopping on Stop. Stop wakes and joins all workers, waiting for
// in-flight callbacks to finish, then discards all pending tasks. Callers
// are expected to defer Stop next to New. Tasks scheduled in or after
// Stopping are accepted but never run.
//
// # Failure semantics
//
// The scheduler does not recover panics: a panicking callback terminates
// its worker goroutine and, per normal Go semantics, the process. Callers
// that need containment must recover inside their own callbacks.
//
// All methods are safe for concurrent use.
package scheduler
