// Package detect decides whether a freshly polled snapshot represents
// a change worth capturing. It only compares counts; requesting the
// actual screenshot is the caller's business, which keeps this logic
// independently testable.
package detect

import (
	"fmt"

	"bandmonitor/internal/models"
)

// InitialReason labels the very first snapshot seen for an account.
const InitialReason = "initial"

// Compare checks next against the previously cached snapshot. It
// returns true with a reason label when a capture is warranted: always
// on the first snapshot, and whenever either count moved. The label
// encodes the signed deltas, e.g. "member_+3_request_-1", and doubles
// as the screenshot filename tag.
func Compare(prev *models.Snapshot, next models.Snapshot) (bool, string) {
	if prev == nil {
		return true, InitialReason
	}
	if next.Members == prev.Members && next.Requests == prev.Requests {
		return false, ""
	}
	return true, fmt.Sprintf("member_%+d_request_%+d",
		next.Members-prev.Members, next.Requests-prev.Requests)
}
