package models

import "time"

// Reservation statuses derived from the lifecycle dates. Not stored.
const (
	StatusRequested = "requested"
	StatusApproved  = "approved"
	StatusCancelled = "cancelled"
	StatusReleased  = "released"
)

// Reservation is one lifecycle record for a user on a resource.
// Dates are pointers because the lifecycle sets them at most once;
// ValidUntilDate is the only field rewritten while the record is active.
type Reservation struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	ResourceID    int64      `json:"resource_id"`
	RequestDate   time.Time  `json:"request_date"`
	ApprovedDate  *time.Time `json:"approved_date,omitempty"`
	CancelledDate *time.Time `json:"cancelled_date,omitempty"`
	ReleasedDate  *time.Time `json:"released_date,omitempty"`
	ValidUntil    *time.Time `json:"valid_until_date,omitempty"`
	Version       int64      `json:"version"`
}

// Status computes the derived status from the date fields.
func (r *Reservation) Status() string {
	switch {
	case r.CancelledDate != nil:
		return StatusCancelled
	case r.ReleasedDate != nil:
		return StatusReleased
	case r.ApprovedDate != nil:
		return StatusApproved
	default:
		return StatusRequested
	}
}

// Active reports whether the record is still requested or approved.
func (r *Reservation) Active() bool {
	return r.CancelledDate == nil && r.ReleasedDate == nil
}

// Expired reports whether the record's deadline has passed. Records
// without a deadline never expire.
func (r *Reservation) Expired(now time.Time) bool {
	if r.ValidUntil == nil {
		return false
	}
	return !now.Before(*r.ValidUntil)
}
