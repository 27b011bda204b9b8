// Package script compiles page scripts for execute_js and caches the result.
// Concurrent requests for the same source compile once.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/store/bounded"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCapacity is the number of compiled scripts kept.
	DefaultCapacity = 50

	// MaxSourceSize is the largest script accepted, in bytes.
	MaxSourceSize = 256 << 10
)

var (
	// ErrEmptyScript is returned for a blank script.
	ErrEmptyScript = errors.New("script is empty")

	// ErrTooLarge is returned for a script over MaxSourceSize.
	ErrTooLarge = errors.New("script too large")
)

// Compiled is a script wrapped for execution in the page. Wrapped is a
// function expression taking the timeout in milliseconds; it resolves with
// the script's value or rejects when the timeout passes first.
type Compiled struct {
	Signature  devtoolsrelay.Signature
	Source     string
	Wrapped    string
	CompiledAt time.Time
}

// Invocation returns a self-invoking expression that runs the script with
// timeout. A non-positive timeout disables the guard.
func (c *Compiled) Invocation(timeout time.Duration) string {
	return fmt.Sprintf("(%s)(%d)", c.Wrapped, timeout.Milliseconds())
}

const wrapperPrefix = `async function (timeout_ms) {
  const __run = async () => {
`

const wrapperSuffix = `
  };
  if (!(timeout_ms > 0)) {
    return await __run();
  }
  let __timer;
  const __guard = new Promise((_, reject) => {
    __timer = setTimeout(() => reject(new Error("script timed out after " + timeout_ms + "ms")), timeout_ms);
  });
  try {
    return await Promise.race([__run(), __guard]);
  } finally {
    clearTimeout(__timer);
  }
}`

// Compile validates source and wraps it in an async function with a
// timeout guard.
func Compile(source string) (*Compiled, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptyScript
	}
	if len(source) > MaxSourceSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(source), MaxSourceSize)
	}
	return &Compiled{
		Signature: devtoolsrelay.SignBytes([]byte(source)),
		Source:    source,
		Wrapped:   wrapperPrefix + source + wrapperSuffix,
	}, nil
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity sets the number of compiled scripts kept.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		c.capacity = n
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Cache holds compiled scripts keyed by the signature of their source.
type Cache struct {
	capacity int
	clock    clock.Clock
	logger   *slog.Logger

	compile  func(string) (*Compiled, error)
	group    singleflight.Group
	compiled *bounded.Store[devtoolsrelay.Signature, *Compiled]
}

// NewCache creates a script cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		capacity: DefaultCapacity,
		clock:    clock.Real(),
		logger:   slog.Default(),
		compile:  Compile,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.capacity <= 0 {
		c.capacity = DefaultCapacity
	}
	c.logger = c.logger.With("component", "script_cache")
	c.compiled = bounded.NewLRU[devtoolsrelay.Signature, *Compiled](c.capacity,
		bounded.WithName("compiled_scripts"),
		bounded.WithClock(c.clock),
		bounded.WithLogger(c.logger),
	)
	return c
}

// Get returns the compiled form of source, compiling it on a miss.
//
// If ctx ends while another caller's compile is in flight, Get returns the
// context error and the compile continues for the others.
func (c *Cache) Get(ctx context.Context, source string) (*Compiled, error) {
	sig := devtoolsrelay.SignBytes([]byte(source))
	if cs, ok := c.compiled.Get(sig); ok {
		return cs, nil
	}

	ch := c.group.DoChan(sig.String(), func() (any, error) {
		if cs, ok := c.compiled.Peek(sig); ok {
			return cs, nil
		}
		cs, err := c.compile(source)
		if err != nil {
			return nil, err
		}
		cs.CompiledAt = c.clock.Now()
		c.compiled.Set(sig, cs)
		c.logger.Debug("compiled script", "signature", sig.ShortString(), "bytes", len(source))
		return cs, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Compiled), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of cached scripts.
func (c *Cache) Len() int {
	return c.compiled.Len()
}
