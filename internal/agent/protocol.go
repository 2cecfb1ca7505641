package agent

import "github.com/basket/goprobe/internal/table"

// Status is the per-query result code reported to the server.
type Status int

const (
	StatusOK     Status = 0
	StatusFailed Status = 1
)

// EnrollRequest is the /enroll body.
type EnrollRequest struct {
	EnrollSecret   string                       `json:"enroll_secret"`
	HostIdentifier string                       `json:"host_identifier"`
	HostDetails    map[string]map[string]string `json:"host_details"`
}

type EnrollResponse struct {
	NodeKey string `json:"node_key"`
}

// DistributedQuerySet is what /distributed/read returns. Discovery entries are
// optional per query name.
type DistributedQuerySet struct {
	Queries    map[string]string `json:"queries"`
	Discovery  map[string]string `json:"discovery"`
	Accelerate int               `json:"accelerate,omitempty"`
}

type readRequest struct {
	NodeKey string `json:"node_key"`
}

// QueryStats are reported alongside results for every executed main query.
type QueryStats struct {
	WallTimeMs int64 `json:"wall_time_ms"`
}

// WriteRequest is the /distributed/write body. A nil row slice encodes as
// null, which the server reads as "no results".
type WriteRequest struct {
	NodeKey  string                 `json:"node_key"`
	Queries  map[string][]table.Row `json:"queries"`
	Statuses map[string]Status      `json:"statuses"`
	Messages map[string]string      `json:"messages"`
	Stats    map[string]QueryStats  `json:"stats,omitempty"`
}

// authBody is implemented by every body sent through authenticatedRequest.
type authBody interface {
	setNodeKey(key string)
}

func (r *readRequest) setNodeKey(key string)  { r.NodeKey = key }
func (r *WriteRequest) setNodeKey(key string) { r.NodeKey = key }
