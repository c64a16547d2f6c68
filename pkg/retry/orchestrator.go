// Package retry runs one conversation turn against the secret pool, rotating
// secrets on connection and auth failures until the stream is established.
package retry

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/metrics"
	"github.com/lkarlslund/chatbridge/pkg/translate"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

// ErrNoSecrets means the pool had no valid secret to try.
var ErrNoSecrets = errors.New("no valid secret available")

// maxPrimeEvents bounds how many frames are buffered while waiting for the
// first assistant event.
const maxPrimeEvents = 64

type Pool interface {
	ListValid() []string
	MarkInvalid(secret string)
}

type Resolver interface {
	Resolve(ctx context.Context, secret string) (string, error)
	Invalidate(secret string)
}

// Session is a backend session bound to one access credential.
type Session interface {
	Open(ctx context.Context, req upstream.ConversationRequest) (*upstream.Conversation, error)
	translate.Files
}

type SessionFunc func(access string) Session

type Orchestrator struct {
	pool        Pool
	resolver    Resolver
	sessions    SessionFunc
	maxAttempts int
}

// New returns an orchestrator that tries at most maxAttempts secrets per
// request. A non-positive maxAttempts tries every candidate once.
func New(pool Pool, resolver Resolver, sessions SessionFunc, maxAttempts int) *Orchestrator {
	return &Orchestrator{pool: pool, resolver: resolver, sessions: sessions, maxAttempts: maxAttempts}
}

// Turn is an established upstream stream. Close releases it; it is safe to
// call more than once.
type Turn struct {
	Source         upstream.EventSource
	Session        Session
	ConversationID string
	Secret         string
	Attempts       int

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *Turn) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.Source.Close()
		t.cancel()
		metrics.ActiveStreams.Dec()
	})
	return err
}

// Execute establishes a turn for req. Secrets failing with a retryable error
// are rotated out; permanent auth failures of pooled secrets are marked
// invalid. The last error is returned when every attempt fails.
func (o *Orchestrator) Execute(ctx context.Context, sel Selector, req upstream.ConversationRequest) (*Turn, error) {
	valid := o.pool.ListValid()
	pooled := make(map[string]struct{}, len(valid))
	for _, s := range valid {
		pooled[s] = struct{}{}
	}
	candidates := sel.Candidates(valid)
	if len(candidates) == 0 {
		return nil, ErrNoSecrets
	}
	limit := len(candidates)
	if o.maxAttempts > 0 && o.maxAttempts < limit {
		limit = o.maxAttempts
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		secret := candidates[i]
		turn, err := o.attempt(ctx, secret, req)
		if err == nil {
			turn.Attempts = i + 1
			metrics.UpstreamAttemptsTotal.WithLabelValues("ok").Inc()
			return turn, nil
		}
		lastErr = err
		metrics.UpstreamAttemptsTotal.WithLabelValues(outcome(err)).Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !upstream.IsRetryable(err) {
			return nil, err
		}
		var authErr *upstream.AuthError
		if errors.As(err, &authErr) {
			o.resolver.Invalidate(secret)
		}
		if _, ok := pooled[secret]; ok && upstream.IsPermanentAuth(err) {
			o.pool.MarkInvalid(secret)
		}
		log.Warn("upstream attempt failed", "attempt", i+1, "secret", logutil.Redact(secret), "err", err)
	}
	return nil, lastErr
}

func (o *Orchestrator) attempt(ctx context.Context, secret string, req upstream.ConversationRequest) (*Turn, error) {
	start := time.Now()
	access, err := o.resolver.Resolve(ctx, secret)
	if err != nil {
		return nil, err
	}
	actx, cancel := context.WithCancel(ctx)
	sess := o.sessions(access)
	conv, err := sess.Open(actx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	buffered, err := prime(conv.Source)
	if err != nil {
		_ = conv.Source.Close()
		cancel()
		return nil, err
	}
	metrics.TimeToFirstChunk.Observe(time.Since(start).Seconds())
	metrics.ActiveStreams.Inc()
	return &Turn{
		Source:         upstream.NewReplaySource(buffered, conv.Source),
		Session:        sess,
		ConversationID: conv.ID,
		Secret:         secret,
		cancel:         cancel,
	}, nil
}

// prime reads until the stream is known to be established: the first
// assistant event, a moderation frame or the end of the stream. An error
// frame before that fails the attempt.
func prime(src upstream.EventSource) ([][]byte, error) {
	var buf [][]byte
	for len(buf) < maxPrimeEvents {
		p, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, p)
		if upstream.IsDone(p) {
			return buf, nil
		}
		ev, err := upstream.DecodeEvent(p)
		if err != nil {
			continue
		}
		if !ev.HasMessage() {
			if msg := ev.ErrorText(); msg != "" {
				return nil, &upstream.ProtocolError{Detail: msg}
			}
			if ev.Type == upstream.TypeModeration {
				return buf, nil
			}
			continue
		}
		if !ev.Echoed() {
			return buf, nil
		}
	}
	return buf, nil
}

func outcome(err error) string {
	var (
		authErr    *upstream.AuthError
		connErr    *upstream.ConnectError
		timeoutErr *upstream.TimeoutError
	)
	switch {
	case errors.As(err, &authErr):
		if authErr.Permanent {
			return "auth_permanent"
		}
		return "auth_transient"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &connErr):
		return "connect"
	default:
		return "error"
	}
}
