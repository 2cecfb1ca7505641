package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/goprobe/internal/bus"
	"github.com/basket/goprobe/internal/client"
	"github.com/basket/goprobe/internal/persistence"
	"github.com/basket/goprobe/internal/sqlengine"
	"github.com/basket/goprobe/internal/table"
)

// fakeEngine answers by exact SQL text.
type fakeEngine struct {
	mu      sync.Mutex
	results map[string]*sqlengine.Result
	errs    map[string]error
	calls   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		results: map[string]*sqlengine.Result{
			osVersionQuery: {Rows: []table.Row{{"name": "Ubuntu", "version": "22.04", "platform": "ubuntu"}}},
			systemInfoQuery: {Rows: []table.Row{{
				"hostname": "probe-01", "uuid": "UUID-1", "hardware_serial": "SN-1",
			}}},
		},
		errs: map[string]error{},
	}
}

func (f *fakeEngine) Query(_ context.Context, sql string) (*sqlengine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
	if err, ok := f.errs[sql]; ok {
		return nil, err
	}
	if res, ok := f.results[sql]; ok {
		cp := *res
		return &cp, nil
	}
	return &sqlengine.Result{Rows: []table.Row{}}, nil
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeFleet is a minimal server side of the agent protocol.
type fakeFleet struct {
	mu sync.Mutex

	enrollKeys    []string
	enrollStatus  int
	enrollCalls   int
	enrollBodies  []EnrollRequest
	readResponse  string
	readCalls     int
	rejectAll     bool
	rejectKeys    map[string]bool
	writes        []map[string]json.RawMessage
	seenNodeKeys  []string
	nodeInvalidCt int

	// enrollNodeInvalid rejects enrollment the way fleet does for a bad secret.
	enrollNodeInvalid bool
}

func (f *fakeFleet) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, _ := io.ReadAll(r.Body)
	var auth struct {
		NodeKey string `json:"node_key"`
	}
	_ = json.Unmarshal(raw, &auth)

	switch strings.TrimPrefix(r.URL.Path, client.DefaultAPIPrefix) {
	case client.PathEnroll:
		f.enrollCalls++
		var body EnrollRequest
		_ = json.Unmarshal(raw, &body)
		f.enrollBodies = append(f.enrollBodies, body)
		if f.enrollNodeInvalid {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"enroll failed: invalid secret","node_invalid":true}`)
			return
		}
		if f.enrollStatus != 0 {
			w.WriteHeader(f.enrollStatus)
			_, _ = io.WriteString(w, `{"error":"enroll failed"}`)
			return
		}
		key := "key-default"
		if len(f.enrollKeys) > 0 {
			key = f.enrollKeys[0]
			if len(f.enrollKeys) > 1 {
				f.enrollKeys = f.enrollKeys[1:]
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"node_key": key})
		return
	}

	f.seenNodeKeys = append(f.seenNodeKeys, auth.NodeKey)
	if f.rejectAll || f.rejectKeys[auth.NodeKey] {
		f.nodeInvalidCt++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid node key","node_invalid":true}`)
		return
	}

	switch strings.TrimPrefix(r.URL.Path, client.DefaultAPIPrefix) {
	case client.PathDistributedRead:
		f.readCalls++
		resp := f.readResponse
		if resp == "" {
			resp = `{"queries":{}}`
		}
		_, _ = io.WriteString(w, resp)
	case client.PathDistributedWrite:
		var body map[string]json.RawMessage
		_ = json.Unmarshal(raw, &body)
		f.writes = append(f.writes, body)
		_, _ = io.WriteString(w, `{}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type harness struct {
	agent  *Agent
	engine *fakeEngine
	fleet  *fakeFleet
	store  *persistence.Store
}

func newHarness(t *testing.T, fleet *fakeFleet) *harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fleet.handler))
	t.Cleanup(srv.Close)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "goprobe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	identity := NewIdentity(store, nil)
	c, err := client.New(client.Config{
		ServerURL:     srv.URL,
		Logger:        logger,
		OnNodeInvalid: identity.Clear,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	eng := newFakeEngine()
	a, err := New(Config{
		Engine:       eng,
		Client:       c,
		Identity:     identity,
		EnrollSecret: "s3cret",
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	return &harness{agent: a, engine: eng, fleet: fleet, store: store}
}

func (h *harness) setNodeKey(t *testing.T, key string) {
	t.Helper()
	if err := h.store.KVSet(context.Background(), persistence.KeyNodeKey, key); err != nil {
		t.Fatalf("seed node key: %v", err)
	}
}

func (h *harness) nodeKey(t *testing.T) string {
	t.Helper()
	key, err := h.store.KVGet(context.Background(), persistence.KeyNodeKey)
	if err != nil {
		t.Fatalf("read node key: %v", err)
	}
	return key
}

func decodeField[T any](t *testing.T, body map[string]json.RawMessage, field string) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(body[field], &out); err != nil {
		t.Fatalf("decode %s: %v (raw %s)", field, err, body[field])
	}
	return out
}

func TestCycle_DiscoveryZeroRowsSkipsQuery(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{"Q1":"SELECT * FROM chrome_extensions"},"discovery":{"Q1":"SELECT 1 WHERE 0"}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")

	report, err := h.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !report.Submitted || report.Skipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(fleet.writes) != 1 {
		t.Fatalf("expected one write, got %d", len(fleet.writes))
	}
	w := fleet.writes[0]
	for _, field := range []string{"queries", "statuses", "messages"} {
		m := decodeField[map[string]any](t, w, field)
		if len(m) != 0 {
			t.Fatalf("%s should be empty for a skipped query, got %v", field, m)
		}
	}
	for _, sql := range h.engine.Calls() {
		if sql == "SELECT * FROM chrome_extensions" {
			t.Fatal("main query must not run when discovery returns no rows")
		}
	}
}

func TestCycle_MainQueryErrorRecordedAsFailure(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{"Q2":"SELECT boom"}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")
	h.engine.errs["SELECT boom"] = &sqlengine.QueryError{SQL: "SELECT boom", Err: errors.New("boom")}

	if _, err := h.agent.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	w := fleet.writes[0]
	if got := string(w["queries"]); got != `{"Q2":null}` {
		t.Fatalf("queries = %s, want {\"Q2\":null}", got)
	}
	if diff := cmp.Diff(map[string]int{"Q2": 1}, decodeField[map[string]int](t, w, "statuses")); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	msgs := decodeField[map[string]string](t, w, "messages")
	if !strings.Contains(msgs["Q2"], "boom") {
		t.Fatalf("message should carry error text, got %q", msgs["Q2"])
	}
	if got := decodeField[string](t, w, "node_key"); got != "k1" {
		t.Fatalf("write must carry node key, got %q", got)
	}
}

func TestCycle_DiscoveryErrorIsSoftFailure(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{
		"queries":{"A":"SELECT a","B":"SELECT b"},
		"discovery":{"A":"SELECT broken"}
	}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")
	h.engine.errs["SELECT broken"] = &sqlengine.QueryError{Err: errors.New("no such table: broken")}
	h.engine.results["SELECT b"] = &sqlengine.Result{Rows: []table.Row{{"b": "1"}}}

	report, err := h.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Failed != 1 || report.Succeeded != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	w := fleet.writes[0]
	if got := string(w["queries"]); got != `{"A":null,"B":[{"b":"1"}]}` {
		t.Fatalf("queries = %s", got)
	}
	msgs := decodeField[map[string]string](t, w, "messages")
	if !strings.Contains(msgs["A"], "no such table") {
		t.Fatalf("discovery error text missing: %v", msgs)
	}
	if _, ok := msgs["B"]; ok {
		t.Fatalf("successful query should have no message: %v", msgs)
	}
	for _, sql := range h.engine.Calls() {
		if sql == "SELECT a" {
			t.Fatal("main query must not run after its discovery failed")
		}
	}
}

func TestCycle_WarningsDemoteStatusButKeepRows(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{"W":"SELECT * FROM interface_addresses"}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")
	h.engine.results["SELECT * FROM interface_addresses"] = &sqlengine.Result{
		Rows: []table.Row{{"interface": "eth0"}},
		Warnings: []table.Warning{
			{Table: "interface_addresses", Column: "address", Message: "interface wg0: permission denied"},
			{Table: "interface_addresses", Message: "partial"},
		},
	}

	if _, err := h.agent.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	w := fleet.writes[0]
	rows := decodeField[map[string][]map[string]string](t, w, "queries")
	if len(rows["W"]) != 1 || rows["W"][0]["interface"] != "eth0" {
		t.Fatalf("rows must be retained alongside warnings: %v", rows)
	}
	if got := decodeField[map[string]int](t, w, "statuses")["W"]; got != 1 {
		t.Fatalf("status = %d, want 1", got)
	}
	want := "interface_addresses.address: interface wg0: permission denied; interface_addresses: partial"
	if got := decodeField[map[string]string](t, w, "messages")["W"]; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestCycle_SuccessWithNoRowsIsEmptyArray(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{"E":"SELECT * FROM empty"}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")
	h.engine.results["SELECT * FROM empty"] = &sqlengine.Result{}

	if _, err := h.agent.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	w := fleet.writes[0]
	if got := string(w["queries"]); got != `{"E":[]}` {
		t.Fatalf("queries = %s, want {\"E\":[]}", got)
	}
	if got := decodeField[map[string]int](t, w, "statuses")["E"]; got != 0 {
		t.Fatalf("status = %d, want 0", got)
	}
	stats := decodeField[map[string]QueryStats](t, w, "stats")
	if _, ok := stats["E"]; !ok {
		t.Fatalf("expected stats for executed query, got %v", stats)
	}
}

func TestCycle_NoQueriesSubmitsNothing(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")

	report, err := h.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Submitted || len(fleet.writes) != 0 {
		t.Fatalf("empty query set must not submit: %+v, writes=%d", report, len(fleet.writes))
	}
}

func TestCycle_QueriesRunInNameOrder(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{"c":"SELECT 3","a":"SELECT 1","b":"SELECT 2"}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")

	if _, err := h.agent.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if diff := cmp.Diff([]string{"SELECT 1", "SELECT 2", "SELECT 3"}, h.engine.Calls()); diff != "" {
		t.Fatalf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestCycle_EngineFaultDiscardsEverything(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{"Q1":"SELECT 1","Q2":"SELECT crash"}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")
	h.engine.results["SELECT 1"] = &sqlengine.Result{Rows: []table.Row{{"1": "1"}}}
	h.engine.errs["SELECT crash"] = &sqlengine.EngineFaultError{Reason: "database image is malformed"}

	report, err := h.agent.RunCycle(context.Background())
	if !sqlengine.IsFault(err) {
		t.Fatalf("expected engine fault, got %v", err)
	}
	if report.Submitted || len(fleet.writes) != 0 {
		t.Fatalf("no write-back may happen after a fault: writes=%d", len(fleet.writes))
	}
}

func TestCycle_FaultInDiscoveryAborts(t *testing.T) {
	fleet := &fakeFleet{readResponse: `{"queries":{"Q":"SELECT 1"},"discovery":{"Q":"SELECT crash"}}`}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")
	h.engine.errs["SELECT crash"] = &sqlengine.EngineFaultError{Reason: "out of memory"}

	_, err := h.agent.RunCycle(context.Background())
	if !sqlengine.IsFault(err) {
		t.Fatalf("expected engine fault, got %v", err)
	}
	if len(fleet.writes) != 0 {
		t.Fatal("fault during discovery must not submit")
	}
}

func TestCycle_EnrollsWhenNoIdentity(t *testing.T) {
	fleet := &fakeFleet{enrollKeys: []string{"fresh"}, readResponse: `{"queries":{}}`}
	h := newHarness(t, fleet)

	if _, err := h.agent.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if fleet.enrollCalls != 1 {
		t.Fatalf("enroll calls = %d, want 1", fleet.enrollCalls)
	}
	if got := h.nodeKey(t); got != "fresh" {
		t.Fatalf("node key = %q, want fresh", got)
	}
	if diff := cmp.Diff([]string{"fresh"}, fleet.seenNodeKeys); diff != "" {
		t.Fatalf("authenticated calls must use the new key (-want +got):\n%s", diff)
	}
}

func TestCycle_EnrollFailureAbortsBeforeAnyAuthenticatedCall(t *testing.T) {
	fleet := &fakeFleet{enrollStatus: http.StatusInternalServerError}
	h := newHarness(t, fleet)

	_, err := h.agent.RunCycle(context.Background())
	var re *client.RequestError
	if !errors.As(err, &re) || re.Status != http.StatusInternalServerError {
		t.Fatalf("expected enroll request error, got %v", err)
	}
	if len(fleet.seenNodeKeys) != 0 {
		t.Fatalf("no authenticated request may be sent without a node key, saw %v", fleet.seenNodeKeys)
	}
}

func TestAuthenticatedRequest_ReenrollsOnceAndRetries(t *testing.T) {
	fleet := &fakeFleet{
		enrollKeys:   []string{"fresh"},
		rejectKeys:   map[string]bool{"stale": true},
		readResponse: `{"queries":{"Q":"SELECT 1"}}`,
	}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "stale")

	report, err := h.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("caller must not see NodeInvalid after a successful retry: %v", err)
	}
	if !report.Submitted {
		t.Fatalf("expected submission, got %+v", report)
	}
	if fleet.enrollCalls != 1 {
		t.Fatalf("enroll calls = %d, want exactly 1", fleet.enrollCalls)
	}
	if got := h.nodeKey(t); got != "fresh" {
		t.Fatalf("node key = %q, want fresh", got)
	}
	if diff := cmp.Diff([]string{"stale", "fresh", "fresh"}, fleet.seenNodeKeys); diff != "" {
		t.Fatalf("node keys sent (-want +got):\n%s", diff)
	}
}

func TestAuthenticatedRequest_BoundedReenroll(t *testing.T) {
	fleet := &fakeFleet{enrollKeys: []string{"k2", "k3", "k4"}, rejectAll: true}
	h := newHarness(t, fleet)
	h.setNodeKey(t, "k1")

	var set DistributedQuerySet
	err := h.agent.authenticatedRequest(context.Background(), client.PathDistributedRead, &readRequest{}, &set)
	var invalid *client.NodeInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected NodeInvalid after the single retry, got %v", err)
	}
	if fleet.enrollCalls != 1 {
		t.Fatalf("enroll calls = %d, want at most 1", fleet.enrollCalls)
	}
	if fleet.nodeInvalidCt != 2 {
		t.Fatalf("expected exactly two rejected attempts, got %d", fleet.nodeInvalidCt)
	}
	if got := h.nodeKey(t); got != "" {
		t.Fatalf("identity should be cleared after the final rejection, got %q", got)
	}
}

func TestAuthenticatedRequest_NotEnrolled(t *testing.T) {
	h := newHarness(t, &fakeFleet{})
	err := h.agent.authenticatedRequest(context.Background(), client.PathDistributedRead, &readRequest{}, nil)
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled, got %v", err)
	}
}

func TestEnroll_EmptyNodeKeyPersistsNothing(t *testing.T) {
	for _, prior := range []string{"", "previous"} {
		t.Run("prior="+prior, func(t *testing.T) {
			fleet := &fakeFleet{enrollKeys: []string{""}}
			h := newHarness(t, fleet)
			if prior != "" {
				h.setNodeKey(t, prior)
			}

			err := h.agent.Enroll(context.Background())
			var perr *EnrollmentProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *EnrollmentProtocolError, got %v", err)
			}
			if got := h.nodeKey(t); got != prior {
				t.Fatalf("node key = %q, want unchanged %q", got, prior)
			}
		})
	}
}

func TestEnroll_RejectedSecretDoesNotClearIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc((&fakeFleet{enrollNodeInvalid: true}).handler))
	t.Cleanup(srv.Close)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "goprobe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	sub := b.Subscribe("identity.")
	defer b.Unsubscribe(sub)
	identity := NewIdentity(store, b)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := client.New(client.Config{ServerURL: srv.URL, Logger: logger, OnNodeInvalid: identity.Clear})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	a, err := New(Config{Engine: newFakeEngine(), Client: c, Identity: identity, EnrollSecret: "wrong", Logger: logger})
	if err != nil {
		t.Fatalf("agent: %v", err)
	}

	err = a.Enroll(context.Background())
	var ni *client.NodeInvalidError
	if !errors.As(err, &ni) {
		t.Fatalf("expected rejected enrollment, got %v", err)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected identity event %s after a rejected enrollment", ev.Topic)
	default:
	}
}

func TestEnroll_HostIdentifier(t *testing.T) {
	tests := []struct {
		name   string
		serial string
		want   string
	}{
		{"prefers serial", "SN-9", "SN-9"},
		{"falls back to uuid", "", "UUID-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fleet := &fakeFleet{enrollKeys: []string{"k"}}
			h := newHarness(t, fleet)
			h.engine.results[systemInfoQuery] = &sqlengine.Result{Rows: []table.Row{{
				"uuid": "UUID-1", "hardware_serial": tt.serial,
			}}}

			if err := h.agent.Enroll(context.Background()); err != nil {
				t.Fatalf("Enroll: %v", err)
			}
			body := fleet.enrollBodies[0]
			if body.HostIdentifier != tt.want {
				t.Fatalf("host_identifier = %q, want %q", body.HostIdentifier, tt.want)
			}
			if body.EnrollSecret != "s3cret" {
				t.Fatalf("enroll_secret not sent: %q", body.EnrollSecret)
			}
			if body.HostDetails["os_version"]["name"] != "Ubuntu" {
				t.Fatalf("host_details.os_version missing: %+v", body.HostDetails)
			}
			if _, ok := body.HostDetails["system_info"]; !ok {
				t.Fatalf("host_details.system_info missing: %+v", body.HostDetails)
			}
		})
	}
}

func TestEnroll_EngineFaultPropagates(t *testing.T) {
	fleet := &fakeFleet{}
	h := newHarness(t, fleet)
	h.engine.errs[osVersionQuery] = &sqlengine.EngineFaultError{Reason: "misuse"}

	err := h.agent.Enroll(context.Background())
	if !sqlengine.IsFault(err) {
		t.Fatalf("expected fault, got %v", err)
	}
	if fleet.enrollCalls != 0 {
		t.Fatal("enroll request must not be sent when host details cannot be read")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing engine")
	}
}
