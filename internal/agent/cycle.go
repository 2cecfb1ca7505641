package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/goprobe/internal/client"
	otelPkg "github.com/basket/goprobe/internal/otel"
	"github.com/basket/goprobe/internal/shared"
	"github.com/basket/goprobe/internal/sqlengine"
	"github.com/basket/goprobe/internal/table"
)

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	TraceID    string
	Fetched    int
	Skipped    int
	Succeeded  int
	Failed     int
	Submitted  bool
	Accelerate int
}

// outcome accumulates per-query results. Each query name lands in exactly one
// of: nothing (skipped), succeed, or fail.
type outcome struct {
	results  map[string][]table.Row
	statuses map[string]Status
	messages map[string]string
	stats    map[string]QueryStats
}

func newOutcome() *outcome {
	return &outcome{
		results:  map[string][]table.Row{},
		statuses: map[string]Status{},
		messages: map[string]string{},
		stats:    map[string]QueryStats{},
	}
}

func (o *outcome) succeed(name string, res *sqlengine.Result) {
	rows := res.Rows
	if rows == nil {
		rows = []table.Row{}
	}
	o.results[name] = rows
	o.statuses[name] = StatusOK
	if len(res.Warnings) > 0 {
		msgs := make([]string, len(res.Warnings))
		for i, w := range res.Warnings {
			msgs[i] = w.String()
		}
		o.statuses[name] = StatusFailed
		o.messages[name] = strings.Join(msgs, "; ")
	}
}

func (o *outcome) fail(name string, err error) {
	o.results[name] = nil
	o.statuses[name] = StatusFailed
	o.messages[name] = err.Error()
}

func (o *outcome) request() *WriteRequest {
	req := &WriteRequest{
		Queries:  o.results,
		Statuses: o.statuses,
		Messages: o.messages,
	}
	if len(o.stats) > 0 {
		req.Stats = o.stats
	}
	return req
}

// RunCycle performs one check-in: enroll if needed, fetch the distributed
// queries, run them in name order and submit the outcome.
//
// An engine fault aborts the cycle before anything is submitted and is
// returned wrapped; callers detect it with sqlengine.IsFault.
func (a *Agent) RunCycle(ctx context.Context) (report CycleReport, err error) {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
		ctx = shared.WithTraceID(ctx, traceID)
	}
	report.TraceID = traceID

	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "agent.cycle", otelPkg.AttrTraceID.String(traceID))
	started := a.now()
	defer func() {
		result := "submitted"
		switch {
		case err != nil && sqlengine.IsFault(err):
			result = "aborted"
		case err != nil:
			result = "failed"
		case !report.Submitted:
			result = "empty"
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		span.SetAttributes(otelPkg.AttrOutcome.String(result))
		span.End()
		a.metrics.RecordCycle(ctx, a.now().Sub(started).Seconds(), result)
	}()

	key, err := a.identity.Get(ctx)
	if err != nil {
		return report, err
	}
	if key == "" {
		if err := a.Enroll(ctx); err != nil {
			return report, fmt.Errorf("cycle: %w", err)
		}
	}

	var set DistributedQuerySet
	if err := a.authenticatedRequest(ctx, client.PathDistributedRead, &readRequest{}, &set); err != nil {
		return report, fmt.Errorf("cycle: fetch queries: %w", err)
	}
	report.Fetched = len(set.Queries)
	report.Accelerate = set.Accelerate
	if len(set.Queries) == 0 {
		a.logger.Debug("no distributed queries", "trace_id", traceID)
		return report, nil
	}

	names := make([]string, 0, len(set.Queries))
	for name := range set.Queries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := newOutcome()
	for _, name := range names {
		if err := a.runQuery(ctx, name, set, out, &report); err != nil {
			a.logger.Error("engine fault, discarding cycle results",
				"query", name, "trace_id", traceID, "error", err)
			return report, fmt.Errorf("cycle: query %s: %w", name, err)
		}
	}

	if err := a.authenticatedRequest(ctx, client.PathDistributedWrite, out.request(), nil); err != nil {
		return report, fmt.Errorf("cycle: submit results: %w", err)
	}
	report.Submitted = true
	a.logger.Info("cycle submitted",
		"trace_id", traceID,
		"fetched", report.Fetched,
		"skipped", report.Skipped,
		"succeeded", report.Succeeded,
		"failed", report.Failed)
	return report, nil
}

// runQuery records the outcome of one distributed query. It returns an error
// only for an engine fault; every other failure is recorded in out.
func (a *Agent) runQuery(ctx context.Context, name string, set DistributedQuerySet, out *outcome, report *CycleReport) error {
	ctx = shared.WithQueryName(ctx, name)
	log := a.logger.With("query", name, "trace_id", shared.TraceID(ctx))

	if discovery := set.Discovery[name]; discovery != "" {
		res, err := a.engine.Query(ctx, discovery)
		switch {
		case err != nil && sqlengine.IsFault(err):
			return err
		case err != nil:
			log.Warn("discovery query failed", "error", err)
			out.fail(name, err)
			report.Failed++
			a.metrics.RecordQuery(ctx, "failed")
			return nil
		case len(res.Rows) == 0:
			log.Debug("discovery returned no rows, skipping")
			report.Skipped++
			a.metrics.RecordQuery(ctx, "skipped")
			return nil
		}
	}

	started := a.now()
	res, err := a.engine.Query(ctx, set.Queries[name])
	out.stats[name] = QueryStats{WallTimeMs: a.now().Sub(started).Milliseconds()}
	if err != nil {
		if sqlengine.IsFault(err) {
			return err
		}
		log.Warn("distributed query failed", "error", err)
		out.fail(name, err)
		report.Failed++
		a.metrics.RecordQuery(ctx, "failed")
		return nil
	}

	out.succeed(name, res)
	if len(res.Warnings) > 0 {
		log.Info("distributed query returned warnings", "warnings", len(res.Warnings), "rows", len(res.Rows))
		report.Failed++
		a.metrics.RecordQuery(ctx, "failed")
		return nil
	}
	report.Succeeded++
	a.metrics.RecordQuery(ctx, "ok")
	return nil
}
