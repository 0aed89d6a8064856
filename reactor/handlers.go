package reactor

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// ExceptionHandler receives errors the loop cannot attribute to a caller:
// poll failures (with a nil key), errors returned by (or panics in) readiness
// handlers, and panics in scheduled callbacks (also with a nil key).
//
// Returning nil continues the loop. Returning an error terminates Run, which
// returns that error. The handler runs on the loop goroutine.
type ExceptionHandler func(key *Key, err error) error

// Reraise is an ExceptionHandler that terminates the loop with every error
// it receives.
func Reraise(_ *Key, err error) error { return err }

// Ignore is an ExceptionHandler that discards every error.
func Ignore(*Key, error) error { return nil }

// DefaultExceptionLogRates are the per-registration rates used by
// LogExceptions when given a nil limiter.
var DefaultExceptionLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// pollCategory is the rate limiting category for exceptions with no key.
type pollCategory struct{}

// LogExceptions returns an ExceptionHandler that logs each error at error
// level, then defers to next (if next is nil, the loop continues).
//
// Logs are rate limited per registration (poll failures share one category),
// using limiter, or a limiter with [DefaultExceptionLogRates] if nil.
// Suppressed logs are still passed to next.
func LogExceptions(logger *logiface.Logger[logiface.Event], limiter *catrate.Limiter, next ExceptionHandler) ExceptionHandler {
	if limiter == nil {
		limiter = catrate.NewLimiter(DefaultExceptionLogRates)
	}
	return func(key *Key, err error) error {
		var category any = pollCategory{}
		if key != nil {
			category = key
		}
		if _, ok := limiter.Allow(category); ok {
			b := logger.Err().Err(err)
			if key != nil {
				b = b.Int("fd", key.fd).Stringer("interest", key.interest)
			}
			b.Log("reactor: exception")
		}
		if next == nil {
			return nil
		}
		return next(key, err)
	}
}
