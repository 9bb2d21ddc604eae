package pairing

import "fmt"

// MediaAcquisitionError means the capture devices were denied or missing.
// The controller moves to ERROR and does not retry.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string { return fmt.Sprintf("media acquisition: %v", e.Err) }
func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// MatchmakingError is a failed relay or match call. It is retried like a
// timed out pairing.
type MatchmakingError struct {
	Op  string
	Err error
}

func (e *MatchmakingError) Error() string { return fmt.Sprintf("matchmaking %s: %v", e.Op, e.Err) }
func (e *MatchmakingError) Unwrap() error { return e.Err }

// NegotiationError is a signaling message that could not be applied. The
// message is dropped and the attempt continues.
type NegotiationError struct {
	Kind string
	Err  error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation %s: %v", e.Kind, e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

// ConnectivityFailure is a disconnected or failed peer connection. It always
// forces a teardown with reconnect.
type ConnectivityFailure struct {
	State string
}

func (e *ConnectivityFailure) Error() string { return "peer connection " + e.State }

// UploadError is a failed attachment upload. It is reported in the chat as
// an error marker.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload %s: %v", e.Name, e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }
