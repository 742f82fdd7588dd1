package protoo

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// PeerClosedError is returned for requests that were outstanding when the
// Peer or its current Transport was closed or swapped out.
type PeerClosedError struct{}

func (PeerClosedError) Error() string { return "peer closed" }

// TransportClosedError is returned by Send on a closed Transport.
type TransportClosedError struct{}

func (TransportClosedError) Error() string { return "transport closed" }

// RequestTimeoutError is returned for requests whose response did not
// arrive within the request timeout.
type RequestTimeoutError struct{}

func (RequestTimeoutError) Error() string   { return "request timeout" }
func (RequestTimeoutError) Timeout() bool   { return true }
func (RequestTimeoutError) Temporary() bool { return true }

// RemoteError carries the numeric code and textual reason of an error
// response received from the remote peer.
type RemoteError struct {
	Code   int
	Reason string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("%s [code:%d]", e.Reason, e.Code)
}

// InvalidMessageError is returned by Parse for frames that are not one of
// the three message kinds.
type InvalidMessageError struct {
	Reason string
}

func (e InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// IsTimeout returns true if err is a request timeout.
func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(RequestTimeoutError)
	return ok
}

// IsPeerClosed returns true if err means the peer was closed or its
// transport replaced while the request was outstanding.
func IsPeerClosed(err error) bool {
	_, ok := errors.Cause(err).(PeerClosedError)
	return ok
}

// IsClosedError returns true for errors that mean the peer, transport or
// underlying connection went away.
func IsClosedError(err error) bool {
	switch errors.Cause(err) {
	case PeerClosedError{}:
		return true
	case TransportClosedError{}:
		return true
	case io.ErrClosedPipe:
		return true
	case io.EOF:
		return true
	}
	return false
}
