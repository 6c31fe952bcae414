package track

import (
	"context"
	"time"
)

// ResourceFetcher retrieves the current record collection for one resource
// using a tenant's session. Implementations must return ErrUnauthenticated
// (possibly wrapped) when the remote side rejected the session, so the
// caller can invalidate it and retry once.
type ResourceFetcher interface {
	Fetch(ctx context.Context, sess *Session, resourceID string) (ResourceSnapshot, error)

	// BulletinContent fetches the full body of one bulletin from its
	// detail page. Content is expensive and fetched at most once per
	// new or updated bulletin.
	BulletinContent(ctx context.Context, sess *Session, url string) (string, error)
}

// Authenticator performs one login for a tenant and returns a live session.
// It must return ErrAuthFailed (possibly wrapped) when the credentials are
// rejected.
type Authenticator interface {
	Login(ctx context.Context, tenantID, username, secret string) (*Session, error)
}

// CredentialStore yields a tenant's plaintext credentials. Decryption of
// the at-rest form happens behind this interface.
type CredentialStore interface {
	Decrypt(ctx context.Context, tenantID string) (username, secret string, err error)
}

// PerformancePredictor summarizes a score collection. ok is false when no
// summary can be computed (e.g. no numeric entries).
type PerformancePredictor interface {
	Summarize(scores map[string]ScoreEntry) (Summary, bool)
}

// Notifier delivers one compiled message to a tenant. Best effort: a failed
// send is logged by the caller and not retried within the same cycle.
type Notifier interface {
	Send(ctx context.Context, tenantID string, msg Message) error
}

// TenantRegistry lists tenants and their tracked resources. Tenant rows are
// mutated by external management tooling; the engine only advances
// LastScan.
type TenantRegistry interface {
	List(ctx context.Context) ([]Tenant, error)
	Get(ctx context.Context, tenantID string) (Tenant, bool, error)
	TrackedResources(ctx context.Context, tenantID string) ([]string, error)
	TouchLastScan(ctx context.Context, tenantID string, at time.Time) error
}
