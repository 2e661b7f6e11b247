package remotecache

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errCircuitOpen is returned by every remote operation while the
// circuit breaker is open, short-circuiting without any network I/O
// (spec.md §4.7).
var errCircuitOpen = status.Error(codes.Unavailable, "remote cache circuit breaker is open")

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
