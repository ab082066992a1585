// Package lockerr defines the error taxonomy shared by every stage of the
// Lock Master bootstrap and by the live sync channel.
//
// Callers classify failures with errors.Is against the sentinel values and
// recover details with errors.As:
//
//	_, err := client.Bootstrap(ctx)
//	var se *lockerr.StageError
//	if errors.As(err, &se) && errors.Is(err, lockerr.ErrTransport) {
//	    log.Printf("stage %s failed on the network: %v", se.Stage, err)
//	}
package lockerr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport indicates a network or connection level failure, a timed
	// out stage, or a non-2xx response from the authority.
	ErrTransport = errors.New("lockmaster: transport failure")

	// ErrDecode indicates a response body that is not the expected JSON
	// document or is missing a required field.
	ErrDecode = errors.New("lockmaster: decode failure")

	// ErrMalformedCredential indicates a software statement that is not a
	// JWT or lacks the iss claim.
	ErrMalformedCredential = errors.New("lockmaster: malformed credential")

	// ErrUnsupportedAuthority indicates the authorization server does not
	// advertise a dynamic client registration endpoint.
	ErrUnsupportedAuthority = errors.New("lockmaster: authority does not support dynamic client registration")

	// ErrDecompression indicates a corrupt or oversized compressed bundle.
	ErrDecompression = errors.New("lockmaster: decompression failure")

	// ErrStreamDisconnected indicates the live sync stream dropped. It is
	// recovered by the channel's reconnect loop and never surfaced from
	// bootstrap.
	ErrStreamDisconnected = errors.New("lockmaster: stream disconnected")

	// ErrInvalidConfig indicates host configuration that cannot be used.
	ErrInvalidConfig = errors.New("lockmaster: invalid configuration")
)

// Stage names a step of the bootstrap sequence.
type Stage string

const (
	StageLockMasterDiscovery Stage = "lockmaster_discovery"
	StageOAuthDiscovery      Stage = "oauth_discovery"
	StageRegistration        Stage = "registration"
	StageToken               Stage = "token"
	StageBundle              Stage = "bundle"
)

// StageError attributes a fatal bootstrap failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("lockmaster bootstrap failed at %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx HTTP response. It matches ErrTransport.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	// Body holds at most the first few hundred bytes of the response.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrTransport }
