package models

import (
	"fmt"
	"time"
)

// MonitorStatus is the lifecycle state of an account's monitoring.
type MonitorStatus string

const (
	StatusRunning MonitorStatus = "running"
	StatusPaused  MonitorStatus = "paused"
	StatusStopped MonitorStatus = "stopped"
)

// Valid reports whether s is one of the known lifecycle states.
func (s MonitorStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusStopped:
		return true
	}
	return false
}

// Account is one monitored Band identity with its progress accounting.
type Account struct {
	ID       int64         `json:"id"`
	Username string        `json:"username"`
	Password string        `json:"-"`
	Status   MonitorStatus `json:"status"`

	BandID   string `json:"band_id,omitempty"`
	BandName string `json:"band_name,omitempty"`

	// Baseline counts, captured once when monitoring first starts.
	InitialMembers  int `json:"initial_members"`
	InitialRequests int `json:"initial_requests"`
	CurrentMembers  int `json:"current_members"`
	CurrentRequests int `json:"current_requests"`

	// Delta is the floor-clamped gain over the baseline total.
	Delta  int    `json:"delta"`
	Target int    `json:"target"`
	Notes  string `json:"notes,omitempty"`

	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// InitialTotal returns the baseline member + request total.
func (a Account) InitialTotal() int {
	return a.InitialMembers + a.InitialRequests
}

// CurrentTotal returns the latest observed member + request total.
func (a Account) CurrentTotal() int {
	return a.CurrentMembers + a.CurrentRequests
}

// MemberURL returns the member-page URL for the account's band, or ""
// when the band id has not been resolved yet.
func (a Account) MemberURL() string {
	if a.BandID == "" {
		return ""
	}
	return fmt.Sprintf("https://band.us/band/%s/member", a.BandID)
}

// Snapshot is one poll's observed counts plus session-health flags.
// Snapshots are transient: only the most recent one is cached per
// account, for change detection.
type Snapshot struct {
	Members        int
	Requests       int
	BandName       string
	SessionClosed  bool
	NeedsReacquire bool
}

// Total returns the combined member + request count.
func (s Snapshot) Total() int {
	return s.Members + s.Requests
}

// MonitorEvent is emitted by an account's polling task: one per
// successful iteration, plus a terminal event with SessionClosed set
// when the underlying browser session is gone.
type MonitorEvent struct {
	AccountID     int64     `json:"account_id"`
	Members       int       `json:"members"`
	Requests      int       `json:"requests"`
	BandName      string    `json:"band_name,omitempty"`
	SessionClosed bool      `json:"session_closed"`
	Timestamp     time.Time `json:"timestamp"`
}
