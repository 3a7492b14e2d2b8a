// Package correlator matches replies from brains to the HTTP requests waiting
// on them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magi-network/brainproxy/internal/registry"
)

var (
	// ErrTimeout is returned when no reply arrives within the timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectorGone is returned when the connector is removed while the
	// request is pending. The registry's removal reason is wrapped as well.
	ErrConnectorGone = registry.ErrConnectorGone
	// ErrDuplicateID is returned when the id is already in flight on the
	// same connector.
	ErrDuplicateID = errors.New("request id already in flight")
	// ErrTooManyInFlight is returned when the per-connector cap is reached.
	ErrTooManyInFlight = errors.New("too many requests in flight")
)

// Options configures a Correlator.
type Options struct {
	Timeout     time.Duration // default 30s
	MaxInFlight int           // per connector; 0 = unlimited
}

type key struct {
	c  *registry.Connector
	id string
}

type outcome struct {
	reply []byte
	err   error
}

type pending struct {
	done    chan outcome // buffered, receives exactly one outcome
	timer   *time.Timer
	started time.Time
}

// Correlator tracks pending requests keyed by connector and request id.
type Correlator struct {
	timeout     time.Duration
	maxInFlight int
	logger      *slog.Logger

	mu       sync.Mutex
	pending  map[key]*pending
	inFlight map[*registry.Connector]int
}

// New creates a Correlator.
func New(logger *slog.Logger, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Correlator{
		timeout:     opts.Timeout,
		maxInFlight: opts.MaxInFlight,
		logger:      logger.With("component", "correlator"),
		pending:     make(map[key]*pending),
		inFlight:    make(map[*registry.Connector]int),
	}
}

// Timeout returns the configured reply timeout.
func (co *Correlator) Timeout() time.Duration { return co.timeout }

// Send writes payload to c and blocks until the reply with the same id
// arrives, the timeout fires, c is removed, or ctx is done.
func (co *Correlator) Send(ctx context.Context, c *registry.Connector, id string, payload []byte) ([]byte, error) {
	k := key{c: c, id: id}
	p := &pending{done: make(chan outcome, 1), started: time.Now()}

	co.mu.Lock()
	if _, exists := co.pending[k]; exists {
		co.mu.Unlock()
		return nil, ErrDuplicateID
	}
	if co.maxInFlight > 0 && co.inFlight[c] >= co.maxInFlight {
		co.mu.Unlock()
		return nil, ErrTooManyInFlight
	}
	co.pending[k] = p
	co.inFlight[c]++
	p.timer = time.AfterFunc(co.timeout, func() {
		co.complete(k, outcome{err: ErrTimeout})
	})
	co.mu.Unlock()

	if err := c.Send(ctx, payload); err != nil {
		err = fmt.Errorf("%w: write failed: %w", ErrConnectorGone, err)
		if co.complete(k, outcome{err: err}) {
			return nil, err
		}
		// A concurrent cancel won the race; report its outcome.
		o := <-p.done
		return o.reply, o.err
	}

	select {
	case o := <-p.done:
		return o.reply, o.err
	case <-ctx.Done():
		if co.complete(k, outcome{err: ctx.Err()}) {
			co.logger.Debug("caller abandoned request", "route", c.Route, "id", id)
		}
		o := <-p.done
		return o.reply, o.err
	}
}

// Resolve delivers reply to the request id pending on c. Unknown and late ids
// are logged and dropped.
func (co *Correlator) Resolve(c *registry.Connector, id string, reply []byte) bool {
	if co.complete(key{c: c, id: id}, outcome{reply: reply}) {
		return true
	}
	co.logger.Warn("dropping reply for unknown or expired request", "route", c.Route, "id", id)
	return false
}

// CancelAll rejects every request pending on c with reason.
func (co *Correlator) CancelAll(c *registry.Connector, reason error) int {
	if reason == nil {
		reason = ErrConnectorGone
	}
	if !errors.Is(reason, ErrConnectorGone) {
		reason = fmt.Errorf("%w: %w", ErrConnectorGone, reason)
	}

	co.mu.Lock()
	var keys []key
	for k := range co.pending {
		if k.c == c {
			keys = append(keys, k)
		}
	}
	co.mu.Unlock()

	n := 0
	for _, k := range keys {
		if co.complete(k, outcome{err: reason}) {
			n++
		}
	}
	if n > 0 {
		co.logger.Info("rejected pending requests", "route", c.Route, "count", n, "reason", reason)
	}
	return n
}

// Pending returns the number of requests in flight.
func (co *Correlator) Pending() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.pending)
}

// complete removes k and delivers o. Removal under the lock is the single
// arbitration point: it returns false if another outcome already won.
func (co *Correlator) complete(k key, o outcome) bool {
	co.mu.Lock()
	p, ok := co.pending[k]
	if ok {
		delete(co.pending, k)
		if co.inFlight[k.c]--; co.inFlight[k.c] <= 0 {
			delete(co.inFlight, k.c)
		}
	}
	co.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- o
	return true
}
