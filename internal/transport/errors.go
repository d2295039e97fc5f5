package transport

import "fmt"

// TransportError is returned once every attempt of a request has failed.
type TransportError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request %s failed after %d attempt(s): status %d: %v", e.URL, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RPCError is an application-level error reported by the device inside a
// successful HTTP response. It is never retried.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: code %d: %s", e.Method, e.Code, e.Message)
}
