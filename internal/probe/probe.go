// Package probe drives the per-account browser sessions that observe
// Band member pages. The rest of the system only sees the Probe
// interface; the chromedp implementation lives in browser.go.
package probe

import (
	"context"

	"bandmonitor/internal/models"
)

// Position describes where an account's browser session currently is.
type Position struct {
	SessionOpen  bool   `json:"session_open"`
	OnMemberPage bool   `json:"on_member_page"`
	CurrentURL   string `json:"current_url,omitempty"`
}

// Probe is the narrow page-automation surface consumed by the account
// manager and the link publisher. Implementations own the browser
// sessions exclusively; one session never serves two accounts.
type Probe interface {
	// EnsurePositioned gets the account's session onto its band member
	// page: it reuses an existing position when the page is still
	// readable, falls back to direct navigation by a known band id, and
	// finally to the full login flow. It returns the band id the
	// session ended up on, which may be newly resolved.
	EnsurePositioned(ctx context.Context, acc models.Account) (string, error)

	// Snapshot reads the current member and request counts. A session
	// that is gone is reported via Snapshot.SessionClosed, not an
	// error; errors are transient and worth retrying.
	Snapshot(ctx context.Context, accountID int64, forceRefresh bool) (models.Snapshot, error)

	// CaptureArtifact takes a full-page screenshot tagged with reason
	// and returns the stored file path.
	CaptureArtifact(ctx context.Context, accountID int64, reason string) (string, error)

	// CheckPosition reports whether the session is open and on the
	// member page, without navigating.
	CheckPosition(ctx context.Context, accountID int64) (Position, error)

	// Release closes the account's browser session if one exists.
	Release(accountID int64)
}
