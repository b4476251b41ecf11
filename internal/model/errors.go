package model

import "errors"

// Domain error taxonomy. Handlers map these onto HTTP statuses; everything
// else wraps one of them with %w so errors.Is keeps working across layers.
var (
	// ErrBadRequest: malformed target URL or custom alias.
	ErrBadRequest = errors.New("bad request")
	// ErrConflict: short code or alias already taken.
	ErrConflict = errors.New("short code already exists")
	// ErrExhaustedRetries: generator could not find a free random code.
	ErrExhaustedRetries = errors.New("exhausted short code attempts")
	// ErrNotFound: no link carries this code.
	ErrNotFound = errors.New("link not found")
	// ErrGone: the code is known but the link is disabled or expired.
	ErrGone = errors.New("link gone")
	// ErrUnauthorized: a password is required and missing or wrong.
	ErrUnauthorized = errors.New("password required or incorrect")
	// ErrForbidden: requester is neither the owner nor an admin.
	ErrForbidden = errors.New("not allowed")
	// ErrUnavailable: store or cache unreachable beyond timeout and retry.
	ErrUnavailable = errors.New("service unavailable")
)
