package mldht

import "github.com/pkg/errors"

// Sentinel errors for node-level failures, mirroring the original
// implementation's ErrorKind enum (spec.md §7). Errors specific to one
// subsystem (invalid token, insufficient address, transaction cancellation)
// live in that subsystem's package (query, transport) and are not
// re-declared here.
var (
	// ErrBindFailed is returned by New when the UDP socket could not be
	// opened. Fatal to starting the node.
	ErrBindFailed = errors.New("mldht: failed to bind UDP socket")

	// ErrInvalidResponse names a remote node's reply that does not match the
	// shape expected for the query sent. Bootstrap does not return it: it
	// logs such a reply and skips that node.
	ErrInvalidResponse = errors.New("mldht: response did not match expected query shape")

	// ErrAlreadyStarted / ErrNotStarted guard Start/Stop against being
	// called out of order.
	ErrAlreadyStarted = errors.New("mldht: node already started")
	ErrNotStarted     = errors.New("mldht: node not started")
)
