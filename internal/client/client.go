// Package client speaks JSON over HTTP to the fleet server's agent API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/goprobe/internal/otel"
	"github.com/basket/goprobe/internal/shared"
)

const (
	PathEnroll           = "/enroll"
	PathDistributedRead  = "/distributed/read"
	PathDistributedWrite = "/distributed/write"

	DefaultAPIPrefix = "/api/v1/osquery"

	maxResponseBytes = 10 << 20
)

// Config configures a Client.
type Config struct {
	ServerURL          string
	APIPrefix          string
	Timeout            time.Duration
	InsecureSkipVerify bool
	UserAgent          string
	// HTTPClient overrides the transport; Timeout and InsecureSkipVerify are
	// ignored when set.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	// OnNodeInvalid runs before a NodeInvalidError is returned, so the caller
	// sees the identity already cleared. It is not run for PathEnroll.
	OnNodeInvalid func(ctx context.Context) error
}

type Client struct {
	baseURL       string
	http          *http.Client
	userAgent     string
	logger        *slog.Logger
	tracer        trace.Tracer
	onNodeInvalid func(ctx context.Context) error
	schemas       map[string]*jsonschema.Schema
}

// envelope holds the fields every reply may carry, whatever the endpoint.
type envelope struct {
	Error       string `json:"error"`
	NodeInvalid bool   `json:"node_invalid"`
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errors.New("client: server url is required")
	}
	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		hc = &http.Client{Timeout: timeout, Transport: transport}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "goprobe"
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.ServerURL, "/") + "/" + strings.Trim(prefix, "/"),
		http:          hc,
		userAgent:     ua,
		logger:        logger.With("component", "client"),
		tracer:        tracer,
		onNodeInvalid: cfg.OnNodeInvalid,
		schemas:       schemas,
	}, nil
}

// BaseURL is the server URL joined with the API prefix.
func (c *Client) BaseURL() string { return c.baseURL }

// Request POSTs body as JSON to path and decodes a successful reply into out,
// which may be nil.
//
// A reply carrying node_invalid is reported as *NodeInvalidError regardless of
// its status code. Any other failure is a *RequestError.
func (c *Client) Request(ctx context.Context, path string, body any, out any) error {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "client.request",
		otelPkg.AttrPath.String(path))
	defer span.End()

	err := c.do(ctx, path, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &RequestError{Path: path, Message: "encode request: " + err.Error(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &RequestError{Path: path, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request transport failure", "path", path, "trace_id", shared.TraceID(ctx), "error", err)
		return &RequestError{Path: path, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &RequestError{Path: path, Status: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}
	c.logger.Debug("request done",
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"duration_ms", time.Since(started).Milliseconds(),
		"trace_id", shared.TraceID(ctx))

	var env envelope
	envErr := json.Unmarshal(raw, &env)
	if envErr == nil && env.NodeInvalid {
		// A rejected enrollment has no node key to clear.
		if c.onNodeInvalid != nil && path != PathEnroll {
			if herr := c.onNodeInvalid(ctx); herr != nil {
				c.logger.Error("clear identity after node_invalid failed", "path", path, "error", herr)
			}
		}
		c.logger.Info("server reported node key invalid", "path", path, "message", env.Error)
		return &NodeInvalidError{Path: path, Message: env.Error}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RequestError{Path: path, Status: resp.StatusCode, Message: msg}
	}
	if envErr != nil {
		if len(bytes.TrimSpace(raw)) == 0 && out == nil {
			return nil
		}
		return &RequestError{Path: path, Status: resp.StatusCode, Message: "decode response: " + envErr.Error(), Err: envErr}
	}

	if sch, ok := c.schemas[path]; ok {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return &RequestError{Path: path, Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
		}
		if err := sch.Validate(inst); err != nil {
			return &RequestError{Path: path, Status: resp.StatusCode, Message: "invalid response: " + err.Error(), Err: err}
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RequestError{Path: path, Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}
