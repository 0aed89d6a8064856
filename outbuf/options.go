package outbuf

// bufferOptions holds configuration options for Buffer creation.
type bufferOptions struct {
	allocator        Allocator
	minimumChunkSize int
}

// Option configures a Buffer instance.
type Option interface {
	applyBuffer(*bufferOptions)
}

// optionImpl implements Option.
type optionImpl struct {
	applyBufferFunc func(*bufferOptions)
}

func (o *optionImpl) applyBuffer(opts *bufferOptions) {
	o.applyBufferFunc(opts)
}

// WithMinimumChunkSize sets the smallest chunk the buffer will allocate.
// Values less than one are ignored, leaving [DefaultMinimumChunkSize].
func WithMinimumChunkSize(size int) Option {
	return &optionImpl{func(opts *bufferOptions) {
		if size > 0 {
			opts.minimumChunkSize = size
		}
	}}
}

// WithAllocator sets the chunk allocation strategy. A nil allocator is
// ignored, leaving [HeapAllocator].
func WithAllocator(allocator Allocator) Option {
	return &optionImpl{func(opts *bufferOptions) {
		if allocator != nil {
			opts.allocator = allocator
		}
	}}
}

func resolveOptions(opts []Option) *bufferOptions {
	cfg := &bufferOptions{
		allocator:        HeapAllocator{},
		minimumChunkSize: DefaultMinimumChunkSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyBuffer(cfg)
	}
	return cfg
}
