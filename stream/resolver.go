package stream

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Scheduler accepts callbacks to run on a loop goroutine. It is implemented
// by [*reactor.Loop].
type Scheduler interface {
	ScheduleNow(fn func()) error
}

var _ Scheduler = (*reactor.Loop)(nil)

// Resolver performs blocking name lookups on background goroutines, and
// delivers the results to a loop, via [Scheduler.ScheduleNow]. At most
// maxConcurrency lookups run at once, and concurrent lookups of the same
// name share one query.
type Resolver struct {
	sem    *semaphore.Weighted
	net    *net.Resolver
	logger *logiface.Logger[logiface.Event]
	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewResolver constructs a Resolver. A non-positive maxConcurrency uses
// DefaultMaxConcurrency.
func NewResolver(maxConcurrency int, opts ...Option) *Resolver {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	cfg := resolveOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		sem:    semaphore.NewWeighted(int64(maxConcurrency)),
		net:    cfg.resolver,
		logger: cfg.logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Lookup resolves host, and calls fn on loop, with the first address and
// port. An empty host resolves to the IPv4 unspecified address, and IP
// literals are used as-is. Lookup failures are reported to fn, and wrap
// ErrUnresolved.
func (r *Resolver) Lookup(loop Scheduler, host string, port uint16, fn func(addr netip.AddrPort, err error)) error {
	if fn == nil {
		return reactor.ErrNilCallback
	}
	return r.LookupAll(loop, host, func(addrs []netip.Addr, err error) {
		if err != nil {
			fn(netip.AddrPort{}, err)
			return
		}
		fn(netip.AddrPortFrom(addrs[0], port), nil)
	})
}

// LookupAll resolves host, and calls fn on loop, with every address found.
// On success, addrs is never empty.
func (r *Resolver) LookupAll(loop Scheduler, host string, fn func(addrs []netip.Addr, err error)) error {
	if fn == nil {
		return reactor.ErrNilCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrResolverClosed
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		addrs, err := r.lookup(r.ctx, host)
		if err := loop.ScheduleNow(func() { fn(addrs, err) }); err != nil {
			r.logger.Debug().
				Err(err).
				Str("host", host).
				Log("stream: dropped lookup result")
		}
	}()

	return nil
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if host == "" {
		return []netip.Addr{netip.IPv4Unspecified()}, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	v, err, _ := r.group.Do(host, func() (any, error) {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
		return r.net.LookupNetIP(ctx, "ip", host)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnresolved, host, err)
	}

	// shared between callers
	addrs := slices.Clone(v.([]netip.Addr))
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrUnresolved, host)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}

	r.logger.Debug().
		Str("host", host).
		Int("addresses", len(addrs)).
		Log("stream: resolved")

	return addrs, nil
}

// Close stops accepting lookups, cancels those in flight, and waits for
// their goroutines to exit. Results of cancelled lookups are still
// delivered, as errors. It is idempotent.
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
