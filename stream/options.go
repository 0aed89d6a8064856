package stream

import (
	"net"

	"github.com/joeycumines/go-reactor/socket"
	"github.com/joeycumines/logiface"
)

// DefaultMaxConcurrency is the lookup concurrency used by NewResolver when
// given a non-positive value.
const DefaultMaxConcurrency = 15

type options struct {
	logger   *logiface.Logger[logiface.Event]
	resolver *net.Resolver
	provider socket.Provider
	listen   socket.ServerProvider
}

// Option configures a [Resolver] or [Initiator]. Options that do not apply
// to the component being constructed are ignored.
type Option interface {
	apply(*options)
}

type optionImpl struct {
	applyFunc func(*options)
}

func (o *optionImpl) apply(opts *options) { o.applyFunc(opts) }

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) {
		opts.logger = logger
	}}
}

// WithNetResolver sets the resolver used for name lookups, defaulting to
// net.DefaultResolver.
func WithNetResolver(resolver *net.Resolver) Option {
	return &optionImpl{func(opts *options) {
		if resolver != nil {
			opts.resolver = resolver
		}
	}}
}

// WithProvider sets the socket provider used by an [Initiator], defaulting
// to socket.OpenTCP.
func WithProvider(provider socket.Provider) Option {
	return &optionImpl{func(opts *options) {
		if provider != nil {
			opts.provider = provider
		}
	}}
}

// WithServerProvider sets the listening socket provider used by an
// [Initiator], defaulting to socket.ListenTCP.
func WithServerProvider(provider socket.ServerProvider) Option {
	return &optionImpl{func(opts *options) {
		if provider != nil {
			opts.listen = provider
		}
	}}
}

func resolveOptions(opts []Option) *options {
	cfg := &options{
		resolver: net.DefaultResolver,
		provider: socket.OpenTCP,
		listen:   socket.ListenTCP,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(cfg)
		}
	}
	return cfg
}
