// Package agent implements the check-in protocol: enrollment, the
// authenticated request wrapper, and the distributed query cycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/goprobe/internal/bus"
	"github.com/basket/goprobe/internal/client"
	otelPkg "github.com/basket/goprobe/internal/otel"
	"github.com/basket/goprobe/internal/shared"
	"github.com/basket/goprobe/internal/sqlengine"
)

// Querier runs SQL against the virtual tables. *sqlengine.Engine satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string) (*sqlengine.Result, error)
}

// Requester performs one JSON call. *client.Client satisfies it; it must
// report a rejected node key as *client.NodeInvalidError.
type Requester interface {
	Request(ctx context.Context, path string, body any, out any) error
}

type Config struct {
	Engine       Querier
	Client       Requester
	Identity     *Identity
	EnrollSecret string
	Bus          *bus.Bus
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otelPkg.Metrics
	// Now is overridable for tests.
	Now func() time.Time
}

// Agent is bound to one engine instance. After an engine fault the whole
// Agent is discarded together with its engine.
type Agent struct {
	engine       Querier
	client       Requester
	identity     *Identity
	enrollSecret string
	bus          *bus.Bus
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otelPkg.Metrics
	now          func() time.Time
}

func New(cfg Config) (*Agent, error) {
	if cfg.Engine == nil {
		return nil, errors.New("agent: engine is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("agent: client is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("agent: identity is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		engine:       cfg.Engine,
		client:       cfg.Client,
		identity:     cfg.Identity,
		enrollSecret: cfg.EnrollSecret,
		bus:          cfg.Bus,
		logger:       logger.With("component", "agent"),
		tracer:       tracer,
		metrics:      cfg.Metrics,
		now:          now,
	}, nil
}

// attempt is the state of authenticatedRequest. The only transition is
// attemptFirst -> attemptAfterReenroll, taken on the first NodeInvalid.
type attempt int

const (
	attemptFirst attempt = iota
	attemptAfterReenroll
)

func (s attempt) String() string {
	if s == attemptFirst {
		return "first"
	}
	return "after_reenroll"
}

// authenticatedRequest injects the node key and sends body. A NodeInvalid on
// the first attempt triggers one enrollment and one retry; any other error,
// or a second NodeInvalid, is returned as is.
func (a *Agent) authenticatedRequest(ctx context.Context, path string, body authBody, out any) error {
	state := attemptFirst
	for {
		key, err := a.identity.Get(ctx)
		if err != nil {
			return err
		}
		if key == "" {
			return ErrNotEnrolled
		}
		body.setNodeKey(key)

		err = a.client.Request(ctx, path, body, out)
		var invalid *client.NodeInvalidError
		if err == nil || !errors.As(err, &invalid) {
			return err
		}
		a.metrics.RecordNodeInvalid(ctx, path)

		switch state {
		case attemptFirst:
			a.logger.Info("node key rejected, re-enrolling",
				"path", path, "attempt", state.String(), "trace_id", shared.TraceID(ctx))
			if err := a.Enroll(ctx); err != nil {
				return fmt.Errorf("re-enroll after %s rejected node key: %w", path, err)
			}
			state = attemptAfterReenroll
		default:
			a.logger.Warn("node key rejected after re-enroll",
				"path", path, "attempt", state.String(), "trace_id", shared.TraceID(ctx))
			return err
		}
	}
}
