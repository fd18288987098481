package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// ConnectivityError reports that the backend could not be reached at all.
// Callers fold it into a connected flag instead of showing it to users.
type ConnectivityError struct {
	Method string
	URL    string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: cannot connect to backend: %v", e.Method, e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response. Message is already formatted as
// "HTTP <code>: <detail>".
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string { return e.Message }

// DecodingError reports a response body that did not match its schema.
type DecodingError struct {
	Endpoint string
	Err      error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// UnsupportedAPIError reports that the backend predates an endpoint.
type UnsupportedAPIError struct {
	Endpoint string
	Err      error
}

func (e *UnsupportedAPIError) Error() string {
	return fmt.Sprintf("%s not supported by backend: %v", e.Endpoint, e.Err)
}

func (e *UnsupportedAPIError) Unwrap() error { return e.Err }

// UserFacing is implemented by errors that must reach the user even when
// their text looks like a transport failure, such as a training job that
// timed out or failed with "connection reset" in its log.
type UserFacing interface {
	UserFacing() bool
}

var connectivitySignatures = []string{
	"could not connect",
	"cannot connect",
	"connection refused",
	"connection reset",
	"connection lost",
	"network is unreachable",
	"host is unreachable",
	"no such host",
	"host not found",
	"socket is not connected",
	"timed out",
	"i/o timeout",
	"broken pipe",
	"-1004",
}

// IsConnectivity reports whether err means the backend is unreachable:
// refused, reset, DNS, timeouts, or an unconnected socket. It is the one
// classifier every caught error goes through.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	// a caller giving up is not a connectivity signal
	if errors.Is(err, context.Canceled) {
		return false
	}

	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return true
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return false
	}
	var userFacing UserFacing
	if errors.As(err, &userFacing) && userFacing.UserFacing() {
		return false
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ENOTCONN,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range connectivitySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsUnsupportedAPI reports whether err means the backend lacks the
// endpoint that was called: an UnsupportedAPIError, a 404, or a
// server message carrying a not-found signature.
func IsUnsupportedAPI(err error) bool {
	if err == nil {
		return false
	}
	var unsupported *UnsupportedAPIError
	if errors.As(err, &unsupported) {
		return true
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		if serverErr.StatusCode == http.StatusNotFound {
			return true
		}
		return hasNotFoundSignature(serverErr.Message)
	}
	var decodeErr *DecodingError
	if errors.As(err, &decodeErr) {
		return hasNotFoundSignature(decodeErr.Error())
	}
	return false
}

func hasNotFoundSignature(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "http 404") || strings.Contains(msg, "not found")
}
