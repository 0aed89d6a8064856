// Package reactor implements a readiness-based, single-goroutine I/O reactor.
//
// A [Loop] multiplexes non-blocking file descriptors and time-ordered
// callbacks onto one OS readiness primitive (epoll on Linux, kqueue on
// Darwin). Exactly one goroutine executes [Loop.Run], and every callback and
// readiness dispatch happens on it, in the order the loop delivers them.
//
// # Scheduling
//
// [Loop.ScheduleAt], [Loop.ScheduleAfter] and [Loop.ScheduleNow] may be called
// from any goroutine. Callbacks are held in a min-heap ordered by deadline,
// then by submission order, and the poller is woken so that a blocked poll
// re-evaluates its timeout. Due callbacks are removed from the heap under its
// lock, but run outside it, so a callback may schedule further callbacks.
// A callback never runs before its deadline. There is no way to cancel a
// scheduled callback.
//
// # Registration
//
// [Loop.Register] and [Loop.RegisterListener] bind a descriptor to an
// interest set ([Ops]) and a handler, returning a [Key]. Registration, and all
// use of a Key, is restricted to the loop goroutine, or to before Run starts.
// Handlers are either a plain [SelectFunc], or a [Listener] that computes its
// own interest, and holds the Key (as a [Registration]) to update it.
//
// # Errors
//
// Every loop has an [ExceptionHandler], supplied to [New]. Poll failures are
// passed to it with a nil key, and errors (or panics) from handlers and
// callbacks with the offending key, if any. Registrations are never cancelled
// automatically. A non-nil return from the handler terminates Run with that
// error, see [Reraise] and [LogExceptions].
package reactor
