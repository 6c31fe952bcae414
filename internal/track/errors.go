package track

import "errors"

var (
	// ErrAuthFailed means login was rejected after the session manager's
	// single retry. Tenant-scoped: remaining resources for that tenant
	// are skipped this cycle and the tenant is notified once.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnauthenticated means the remote side rejected a request as not
	// logged in. The caller invalidates the cached session and retries
	// the fetch once with a fresh one.
	ErrUnauthenticated = errors.New("session unauthenticated")

	// ErrTenantNotFound is returned by on-demand scans for unknown ids.
	ErrTenantNotFound = errors.New("tenant not found")
)
