package client

import "fmt"

// RequestError is a transport failure (Status 0), a non-2xx response, or a
// response that violated its contract.
type RequestError struct {
	Path    string
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("request %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("request %s: status %d: %s", e.Path, e.Status, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// NodeInvalidError means the server rejected the node key. The persisted
// identity has already been cleared when this is returned.
type NodeInvalidError struct {
	Path    string
	Message string
}

func (e *NodeInvalidError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request %s: node key invalid", e.Path)
	}
	return fmt.Sprintf("request %s: node key invalid: %s", e.Path, e.Message)
}
