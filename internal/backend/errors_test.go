package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnectivity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &ConnectivityError{Method: "GET", URL: "u", Err: errors.New("x")}, true},
		{"refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"reset errno", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "backend.local"}, true},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{"message could not connect", errors.New("Could not connect to the server."), true},
		{"message -1004", errors.New("NSURLErrorDomain Code=-1004"), true},
		{"message socket", errors.New("write: socket is not connected"), true},
		{"message reset by peer", errors.New("read: connection reset by peer"), true},
		{"canceled", context.Canceled, false},
		{"server error", &ServerError{StatusCode: 500, Message: "HTTP 500: connection refused by db"}, false},
		{"plain", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivity(tt.err))
		})
	}
}

func TestIsUnsupportedAPI(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &UnsupportedAPIError{Endpoint: "job submission", Err: errors.New("x")}, true},
		{"404", &ServerError{StatusCode: 404, Message: "HTTP 404"}, true},
		{"not found text", &ServerError{StatusCode: 400, Message: "HTTP 400: route not found"}, true},
		{"other server error", &ServerError{StatusCode: 500, Message: "HTTP 500: boom"}, false},
		{"connectivity", &ConnectivityError{Err: errors.New("not found")}, false},
		{"plain", errors.New("http 404"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnsupportedAPI(tt.err))
		})
	}
}
