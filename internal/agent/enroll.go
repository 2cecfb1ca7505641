package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/goprobe/internal/bus"
	"github.com/basket/goprobe/internal/client"
	otelPkg "github.com/basket/goprobe/internal/otel"
	"github.com/basket/goprobe/internal/shared"
)

const (
	osVersionQuery  = "SELECT * FROM os_version"
	systemInfoQuery = "SELECT * FROM system_info"
)

// Enroll collects host details, requests a node key and persists it. A
// success reply with an empty key is an *EnrollmentProtocolError and leaves
// the stored identity untouched. Engine faults are returned wrapped.
func (a *Agent) Enroll(ctx context.Context) (err error) {
	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "agent.enroll")
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, "enroll failed")
		}
		a.metrics.RecordEnrollment(ctx, outcome)
		span.End()
	}()

	osVersion, err := a.singleRow(ctx, osVersionQuery)
	if err != nil {
		return fmt.Errorf("enroll: read os_version: %w", err)
	}
	systemInfo, err := a.singleRow(ctx, systemInfoQuery)
	if err != nil {
		return fmt.Errorf("enroll: read system_info: %w", err)
	}

	hostID := systemInfo["hardware_serial"]
	if hostID == "" {
		hostID = systemInfo["uuid"]
	}

	req := &EnrollRequest{
		EnrollSecret:   a.enrollSecret,
		HostIdentifier: hostID,
		HostDetails: map[string]map[string]string{
			"os_version":  osVersion,
			"system_info": systemInfo,
		},
	}
	var resp EnrollResponse
	if err := a.client.Request(ctx, client.PathEnroll, req, &resp); err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	if resp.NodeKey == "" {
		return &EnrollmentProtocolError{Reason: "server returned an empty node_key"}
	}
	if err := a.identity.Set(ctx, resp.NodeKey); err != nil {
		return fmt.Errorf("enroll: %w", err)
	}

	a.logger.Info("enrolled", "host_identifier", hostID, "trace_id", shared.TraceID(ctx))
	a.bus.Publish(bus.TopicIdentityEnrolled, bus.IdentityEvent{HostIdentifier: hostID, Reason: "enroll"})
	return nil
}

func (a *Agent) singleRow(ctx context.Context, sql string) (map[string]string, error) {
	res, err := a.engine.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return map[string]string{}, nil
	}
	return map[string]string(res.Rows[0]), nil
}
