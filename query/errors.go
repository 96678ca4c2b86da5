package query

import "github.com/pkg/errors"

// Sentinel errors for the server-side query handler, surfaced to callers as
// DHT protocol error replies per spec.md §7.
var (
	ErrInvalidToken          = errors.New("query: invalid token")
	ErrInsufficientAddress   = errors.New("query: no usable port for effective address")
	ErrUnimplementedQuery    = errors.New("query: unimplemented request type")
	ErrUnsupportedAddrFamily = errors.New("query: unsupported address family")
)

// BEP-5 error codes, repeated here (rather than imported from krpc) because
// the mapping from sentinel error to code is this package's own concern.
const (
	codeGeneric  = 201
	codeProtocol = 203
	codeUnknown  = 204
)

// codeFor maps a handler error to its wire error code. Errors not
// recognized here map to codeGeneric, matching spec.md §6 ("201 for
// everything else").
func codeFor(err error) int {
	switch {
	case errors.Is(err, ErrUnsupportedAddrFamily):
		return codeProtocol
	case errors.Is(err, ErrUnimplementedQuery):
		return codeUnknown
	default:
		return codeGeneric
	}
}
