// Package watcher implements the push/poll race used by every adapter to
// find the first backend record satisfying a predicate.
//
// A watch runs two tasks under one errgroup scope: a push task draining a
// backend subscription and a poll task re-reading backend history
// immediately, whenever the backend reports an established connection, and
// on a fixed interval. Both tasks feed a shared predicate; the first match
// is written to a single-assignment cell and cancels the sibling task.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// DefaultInterval is the history reconciliation interval.
const DefaultInterval = 60 * time.Second

// ErrNotFound is returned by a history source when the watched resource
// does not exist yet. It is logged at debug level and never ends a watch.
var ErrNotFound = errors.New("resource not found")

// errResolved ends the errgroup once the result cell has been written.
var errResolved = errors.New("watch resolved")

// Subscription is a live push registration with a backend.
type Subscription interface {
	// Unsubscribe releases the registration. It must be safe to call once
	// after the subscription context has been cancelled.
	Unsubscribe()
	// Err reports asynchronous subscription failures. May return nil.
	Err() <-chan error
}

// SubscriptionFunc adapts a plain unsubscribe function to Subscription.
type SubscriptionFunc func()

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// Err returns nil; a SubscriptionFunc never reports failures.
func (f SubscriptionFunc) Err() <-chan error { return nil }

// Source describes where records for one watch come from.
type Source[T any] struct {
	// Subscribe registers a push listener delivering records on ch. Sends
	// must select on ctx.Done. Nil means the backend has no push channel.
	Subscribe func(ctx context.Context, ch chan<- T) (Subscription, error)

	// History returns records for the target since the source's own
	// cursor. Required.
	History func(ctx context.Context) ([]T, error)

	// Established delivers a signal each time the backend connection
	// (re)reaches its established state. Sends must not block. Nil if not
	// supported.
	Established func(ctx context.Context, ch chan<- struct{}) (Subscription, error)
}

// Predicate decides whether a record resolves the watch. Errors wrapped with
// Transient (or matching ErrNotFound) are logged and the record is skipped;
// any other error ends the watch. It may be called concurrently by the push
// and poll tasks.
type Predicate[T any] func(ctx context.Context, record T) (bool, error)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a recoverable predicate failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient or is ErrNotFound.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t) || errors.Is(err, ErrNotFound)
}

type options struct {
	interval time.Duration
	log      *logging.Logger
	name     string
}

// Option configures a watch.
type Option func(*options)

// WithInterval overrides the history reconciliation interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLogger sets the logger used for the session.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithName labels the session in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// cell is a single-assignment result slot.
type cell[T any] struct {
	mu    sync.Mutex
	done  bool
	value T
}

func (c *cell[T]) offer(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.value = v
	c.done = true
	return true
}

func (c *cell[T]) get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.done
}

// Watch blocks until a record satisfying match is observed, a predicate
// fails fatally, or ctx ends. On cancellation it returns context.Cause(ctx),
// so a reason passed to a CancelCauseFunc comes back unchanged.
func Watch[T any](ctx context.Context, src Source[T], match Predicate[T], opts ...Option) (T, error) {
	o := options{interval: DefaultInterval, log: logging.GetDefault().Component("watcher")}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With("session", uuid.NewString()[:8])
	if o.name != "" {
		log = log.With("watch", o.name)
	}

	var zero T
	if src.History == nil {
		return zero, errors.New("watcher: history source is required")
	}
	if err := context.Cause(ctx); err != nil {
		return zero, err
	}

	s := &session[T]{src: src, match: match, interval: o.interval, log: log}

	g, gctx := errgroup.WithContext(ctx)
	if src.Subscribe != nil {
		g.Go(func() error { return s.push(gctx) })
	}
	g.Go(func() error { return s.poll(gctx) })
	err := g.Wait()

	if v, ok := s.result.get(); ok {
		log.Debug("Watch resolved")
		return v, nil
	}
	if err != nil && !errors.Is(err, errResolved) && ctx.Err() == nil {
		log.Debug("Watch failed", "error", err)
		return zero, err
	}
	cause := context.Cause(ctx)
	log.Debug("Watch cancelled", "reason", cause)
	return zero, cause
}

type session[T any] struct {
	src      Source[T]
	match    Predicate[T]
	interval time.Duration
	log      *logging.Logger
	result   cell[T]
}

// consider runs the predicate on one record. It returns errResolved when
// the record won the result cell.
func (s *session[T]) consider(ctx context.Context, record T) error {
	ok, err := s.match(ctx, record)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if IsTransient(err) {
			s.log.Warn("Predicate error, continuing", "error", err)
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}
	if s.result.offer(record) {
		return errResolved
	}
	return nil
}

func (s *session[T]) push(ctx context.Context) error {
	ch := make(chan T)
	sub, err := s.src.Subscribe(ctx, ch)
	if err != nil {
		s.log.Warn("Subscription failed, relying on polling", "error", err)
		return nil
	}
	defer sub.Unsubscribe()

	errc := sub.Err()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errc:
			if ok && err != nil {
				s.log.Warn("Subscription error", "error", err)
			}
			errc = nil
		case record := <-ch:
			if err := s.consider(ctx, record); err != nil {
				return err
			}
		}
	}
}

func (s *session[T]) poll(ctx context.Context) error {
	var established chan struct{}
	if s.src.Established != nil {
		established = make(chan struct{}, 1)
		sub, err := s.src.Established(ctx, established)
		if err != nil {
			s.log.Warn("Connectivity subscription failed", "error", err)
			established = nil
		} else {
			defer sub.Unsubscribe()
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.reconcile(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-established:
			s.log.Debug("Connection established, reconciling history")
		case <-ticker.C:
		}
		if err := s.reconcile(ctx); err != nil {
			return err
		}
	}
}

func (s *session[T]) reconcile(ctx context.Context) error {
	records, err := s.src.History(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, ErrNotFound):
			s.log.Debug("Resource not found yet")
		default:
			s.log.Warn("History fetch failed", "error", err)
		}
		return nil
	}
	for _, record := range records {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.consider(ctx, record); err != nil {
			return err
		}
	}
	return nil
}
