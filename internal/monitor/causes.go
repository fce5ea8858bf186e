package monitor

import "outbound-dialer/internal/store"

// Q.850 hangup causes the dialer distinguishes.
const (
	CauseUnallocated    = 1
	CauseNoRouteTransit = 2
	CauseNoRouteDest    = 3
	CauseNormalClearing = 16
	CauseUserBusy       = 17
	CauseNoUserResponse = 18
	CauseNoAnswer       = 19
	CauseCallRejected   = 21
	CauseNumberChanged  = 22
)

// Classify maps a hangup to a terminal hopper status. A call that was ever
// connected is answered whatever the cause.
func Classify(cause int, connected bool) store.Status {
	if connected {
		return store.StatusAnswered
	}
	switch cause {
	case CauseUserBusy:
		return store.StatusBusy
	case CauseNoUserResponse, CauseNoAnswer:
		return store.StatusNoAnswer
	case CauseCallRejected, CauseNumberChanged:
		return store.StatusRejected
	case CauseUnallocated, CauseNoRouteTransit, CauseNoRouteDest:
		return store.StatusInvalid
	default:
		return store.StatusFailed
	}
}
