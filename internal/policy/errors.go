package policy

import "fmt"

// ErrorKind classifies a decision-service failure. The loop records the kind
// in the proof log so transport flakiness is distinguishable from a broken
// service.
type ErrorKind string

const (
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindConnection ErrorKind = "connection"
	ErrKindHTTPStatus ErrorKind = "http_status"
	ErrKindBadPayload ErrorKind = "bad_payload"
)

// TransportError wraps a decision-service failure with its classification.
// Every TransportError resolves to a noop decision upstream; the agent never
// guesses when the service is unreachable.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("decision service %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
