// Package ledger holds the pure accounting rules that turn observed
// member counts into progress values. It never touches the browser or
// the database.
//
// The storage layer applies the baseline guard and delta clamp again in
// SQL (storage.CaptureBaseline, storage.ApplyCounterUpdate) so each
// polling iteration persists atomically; those statements are the
// authoritative copies for stored rows and must agree with the rules
// here. CaptureBaseline and ApplyUpdate below are the in-memory forms
// of the same rules.
package ledger

import (
	"time"

	"bandmonitor/internal/models"
)

// CaptureBaseline records snap as the account's zero point. The
// baseline is captured at most once: if either initial count is already
// non-zero the call is a no-op and returns false, which is the guard
// that keeps restarts from re-baselining an account mid-run.
func CaptureBaseline(acc *models.Account, snap models.Snapshot) bool {
	if acc.InitialTotal() != 0 {
		return false
	}
	acc.InitialMembers = snap.Members
	acc.InitialRequests = snap.Requests
	acc.CurrentMembers = snap.Members
	acc.CurrentRequests = snap.Requests
	acc.Delta = 0
	return true
}

// ApplyUpdate folds one snapshot into the account: current counts,
// the recomputed delta, and the update timestamp. The delta is clamped
// at zero, so a total that drops below the baseline reads as "no
// progress" rather than negative progress.
func ApplyUpdate(acc *models.Account, snap models.Snapshot, now time.Time) {
	acc.CurrentMembers = snap.Members
	acc.CurrentRequests = snap.Requests
	acc.Delta = clampDelta(acc.CurrentTotal() - acc.InitialTotal())
	ts := now.UTC()
	acc.LastUpdated = &ts
}

// ProgressPercentage returns progress toward the target in [0, 100].
// A non-positive target means "no numeric goal" and always reads 0.
func ProgressPercentage(acc models.Account) float64 {
	if acc.Target <= 0 {
		return 0.0
	}
	pct := 100.0 * float64(acc.Delta) / float64(acc.Target)
	if pct > 100.0 {
		return 100.0
	}
	return pct
}

// GoalReached reports whether the observed total has met a positive
// target. Accounts without a numeric goal never reach it.
func GoalReached(acc models.Account) bool {
	return acc.Target > 0 && acc.CurrentTotal() >= acc.Target
}

func clampDelta(d int) int {
	if d < 0 {
		return 0
	}
	return d
}
