// Package shipper owns the delivery queue and sends it to the
// collector from a single goroutine, one request at a time.
package shipper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/annotrack/internal/clock"
	"github.com/yourorg/annotrack/pkg/types"
)

// ErrNoCredentials is logged when a cycle is declined because no
// message has carried an API root and token yet.
var ErrNoCredentials = errors.New("shipper: no credentials")

// State of the send loop.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateWaiting:
		return "waiting"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures a Shipper. Transport is required.
type Options struct {
	Transport Transport
	Clock     clock.Clock
	// MinGap separates the end of one cycle from the start of the next.
	MinGap         time.Duration
	RequestTimeout time.Duration
	// DrainTimeout bounds the final delivery attempt on shutdown.
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Stats is a point-in-time view for status reporting.
type Stats struct {
	// Posted counts entries handed to Post, including those not yet
	// moved into the queue.
	Posted    uint64
	Pending   int
	Delivered uint64
	Failures  uint64
	// Dropped counts entries Post refused because they cannot be encoded.
	Dropped uint64
	State   State
}

// Shipper accepts messages with Post from any goroutine. The queue and
// credentials are touched only by Run.
type Shipper struct {
	transport      Transport
	clock          clock.Clock
	minGap         time.Duration
	requestTimeout time.Duration
	drainTimeout   time.Duration
	logger         *zap.Logger
	inbox          *mailbox

	queue queue
	api   string
	token string

	posted    atomic.Uint64
	pending   atomic.Int64
	delivered atomic.Uint64
	failures  atomic.Uint64
	dropped   atomic.Uint64
	state     atomic.Int32
}

type cycleResult struct {
	sent int
	ack  types.Ack
	err  error
}

func New(opts Options) *Shipper {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MinGap <= 0 {
		opts.MinGap = 10 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	return &Shipper{
		transport:      opts.Transport,
		clock:          opts.Clock,
		minGap:         opts.MinGap,
		requestTimeout: opts.RequestTimeout,
		drainTimeout:   opts.DrainTimeout,
		logger:         opts.Logger,
		inbox:          newMailbox(),
	}
}

// Post hands a message to the run loop. It never blocks. Entries that
// cannot be encoded are dropped here so they never reach the queue.
func (s *Shipper) Post(msg types.Message) {
	kept := msg.Log[:0:0]
	for _, e := range msg.Log {
		if _, err := json.Marshal(e); err != nil {
			s.dropped.Add(1)
			s.logger.Warn("dropping unencodable entry",
				zap.String("session", e.Session),
				zap.Int64("sequence_id", e.SequenceID),
				zap.String("activity", e.Activity),
				zap.Error(err))
			continue
		}
		kept = append(kept, e)
	}
	msg.Log = kept
	s.posted.Add(uint64(len(msg.Log)))
	s.inbox.push(msg)
}

func (s *Shipper) Stats() Stats {
	return Stats{
		Posted:    s.posted.Load(),
		Pending:   int(s.pending.Load()),
		Delivered: s.delivered.Load(),
		Failures:  s.failures.Load(),
		Dropped:   s.dropped.Load(),
		State:     State(s.state.Load()),
	}
}

// Run processes messages until ctx is cancelled, then makes one
// bounded attempt to deliver what is still queued. It returns the error
// of that final attempt, or nil when nothing was left undelivered.
func (s *Shipper) Run(ctx context.Context) error {
	if s.transport == nil {
		return errors.New("shipper: transport is required")
	}
	results := make(chan cycleResult, 1)
	var timer <-chan time.Time
	inFlight := false

	for {
		select {
		case <-s.inbox.Notify():
			s.absorb()
			if State(s.state.Load()) == StateIdle && s.queue.len() > 0 {
				timer, inFlight = s.startCycle(ctx, results)
			}

		case <-timer:
			timer = nil
			s.setState(StateIdle)
			s.absorb()
			if s.queue.len() > 0 {
				timer, inFlight = s.startCycle(ctx, results)
			}

		case res := <-results:
			inFlight = false
			s.finishCycle(res)
			timer = s.clock.After(s.minGap)

		case <-ctx.Done():
			if inFlight {
				s.finishCycle(<-results)
			}
			return s.drain()
		}
	}
}

// absorb moves posted messages into the queue and keeps the newest
// credentials.
func (s *Shipper) absorb() {
	for _, msg := range s.inbox.take() {
		if msg.API != "" {
			s.api = msg.API
		}
		if msg.Token != "" {
			s.token = msg.Token
		}
		s.queue.append(msg.Log...)
	}
	s.pending.Store(int64(s.queue.len()))
}

// startCycle sends a snapshot of the queue in the background. Without
// credentials it declines and returns the retry timer instead.
func (s *Shipper) startCycle(ctx context.Context, results chan<- cycleResult) (<-chan time.Time, bool) {
	if s.api == "" || s.token == "" {
		s.logger.Debug("send cycle declined",
			zap.Error(ErrNoCredentials),
			zap.Int("pending", s.queue.len()))
		s.setState(StateWaiting)
		return s.clock.After(s.minGap), false
	}

	batch := s.queue.snapshot()
	api, token := s.api, s.token
	s.setState(StateSending)
	go func() {
		sendCtx, cancel := s.requestContext(ctx)
		defer cancel()
		ack, err := s.transport.Send(sendCtx, api, token, batch)
		results <- cycleResult{sent: len(batch), ack: ack, err: err}
	}()
	return nil, true
}

func (s *Shipper) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout > 0 {
		return context.WithTimeout(ctx, s.requestTimeout)
	}
	return context.WithCancel(ctx)
}

// finishCycle removes the sent prefix on success. On failure the queue
// is left exactly as it was.
func (s *Shipper) finishCycle(res cycleResult) {
	s.setState(StateWaiting)
	if res.err != nil {
		s.failures.Add(1)
		s.logger.Warn("batch delivery failed, will retry",
			zap.Error(res.err),
			zap.Int("pending", s.queue.len()),
			zap.Duration("retry_in", s.minGap))
		return
	}
	s.queue.removePrefix(res.sent)
	s.pending.Store(int64(s.queue.len()))
	s.delivered.Add(uint64(res.sent))
	s.logger.Debug("batch delivered",
		zap.Int("entries", res.sent),
		zap.Int("sessions", len(res.ack)),
		zap.Int("pending", s.queue.len()))
}

// drain makes one best-effort delivery of everything still queued.
func (s *Shipper) drain() error {
	s.absorb()
	if s.queue.len() == 0 {
		return nil
	}
	if s.api == "" || s.token == "" {
		s.logger.Warn("drain: abandoning undelivered entries",
			zap.Error(ErrNoCredentials),
			zap.Int("pending", s.queue.len()))
		return ErrNoCredentials
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	s.setState(StateSending)
	batch := s.queue.snapshot()
	ack, err := s.transport.Send(ctx, s.api, s.token, batch)
	s.finishCycle(cycleResult{sent: len(batch), ack: ack, err: err})
	s.setState(StateIdle)
	if err != nil {
		return fmt.Errorf("drain %d entries: %w", len(batch), err)
	}
	return nil
}

// Settled reports whether every posted entry has been delivered.
func (st Stats) Settled() bool {
	return st.Delivered >= st.Posted
}

func (s *Shipper) setState(st State) {
	s.state.Store(int32(st))
}
