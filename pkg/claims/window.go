package claims

import (
	"strconv"
	"time"
)

// WindowPolicy names the claim window that is open at a given time.
type WindowPolicy interface {
	Current(now time.Time) string
}

// FixedWindow is a single window that never closes: one claim per address.
type FixedWindow string

func (w FixedWindow) Current(time.Time) string { return string(w) }

// EpochWindow splits time since the Unix epoch into consecutive windows of
// Length, named after their start as "w<unix seconds>".
type EpochWindow struct {
	Length time.Duration
}

func (w EpochWindow) Current(now time.Time) string {
	secs := int64(w.Length / time.Second)
	if secs < 1 {
		secs = 1
	}
	unix := now.Unix()
	return "w" + strconv.FormatInt(unix-unix%secs, 10)
}

// NewWindowPolicy returns an EpochWindow when length is positive and a
// FixedWindow named id otherwise.
func NewWindowPolicy(id string, length time.Duration) WindowPolicy {
	if length > 0 {
		return EpochWindow{Length: length}
	}
	return FixedWindow(id)
}
