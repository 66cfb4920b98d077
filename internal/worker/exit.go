package worker

import "time"

// ExitReason classifies why a worker's run loop returned, and maps
// directly to the exclusion-duration table.
type ExitReason int

const (
	ExitGotShutdownMessage ExitReason = iota
	ExitLostOverlord
	ExitSubscriptionsHaveCompleted
	ExitGotDisconnected
	ExitGotWSClose
	ExitUnknown
	ExitHTTPPermanent // 301/308/401/402/403/404/407/451/501/502
	ExitRelayRejectedUs
	ExitHTTPOther4xx5xx
	ExitConnectionClosedClean
	ExitResetWithoutClosingHandshake
)

// InfiniteExclusion marks a relay as permanently penalty-boxed until
// the user changes its rank or allow-connect flag.
const InfiniteExclusion = time.Duration(-1)

// ExclusionFor returns the penalty-box duration for an exit reason, as
// tabulated below. A return value of 0 means reconnect is
// permitted on the next pick() pass; InfiniteExclusion means never
// without explicit user action.
func ExclusionFor(reason ExitReason) time.Duration {
	switch reason {
	case ExitGotShutdownMessage, ExitLostOverlord, ExitSubscriptionsHaveCompleted:
		return 0
	case ExitGotDisconnected, ExitGotWSClose, ExitUnknown, ExitHTTPOther4xx5xx:
		return 120 * time.Second
	case ExitHTTPPermanent, ExitRelayRejectedUs:
		return InfiniteExclusion
	case ExitConnectionClosedClean:
		return 30 * time.Second
	case ExitResetWithoutClosingHandshake:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}

var exitReasonNames = map[ExitReason]string{
	ExitGotShutdownMessage:           "shutdown",
	ExitLostOverlord:                 "lost_overlord",
	ExitSubscriptionsHaveCompleted:   "subscriptions_completed",
	ExitGotDisconnected:              "disconnected",
	ExitGotWSClose:                   "ws_close",
	ExitUnknown:                      "unknown",
	ExitHTTPPermanent:                "http_permanent",
	ExitRelayRejectedUs:              "relay_rejected_us",
	ExitHTTPOther4xx5xx:              "http_4xx_5xx",
	ExitConnectionClosedClean:        "closed_clean",
	ExitResetWithoutClosingHandshake: "reset_without_close",
}

func (r ExitReason) String() string {
	if name, ok := exitReasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// DropsJobs reports whether this exit reason should drop unfinished
// jobs rather than forward them back to the picker as released work
// (only SubscriptionsHaveCompleted: the jobs finished on their own).
func (r ExitReason) DropsJobs() bool {
	return r == ExitSubscriptionsHaveCompleted
}

// IsFailure reports whether this exit reason should count against the
// relay's failure_count (spec §4.2 startup step 3's counterpart for a
// connection that didn't pan out). A graceful or user-initiated exit
// never counts as a failure.
func (r ExitReason) IsFailure() bool {
	switch r {
	case ExitGotDisconnected, ExitGotWSClose, ExitUnknown, ExitHTTPPermanent,
		ExitRelayRejectedUs, ExitHTTPOther4xx5xx, ExitResetWithoutClosingHandshake:
		return true
	default:
		return false
	}
}

// HTTPExitReason classifies an HTTP status encountered during the
// upgrade handshake or a relay's OK/CLOSED response into the exit
// reason table.
func HTTPExitReason(status int) ExitReason {
	switch status {
	case 301, 308, 401, 402, 403, 404, 407, 451, 501, 502:
		return ExitHTTPPermanent
	}
	if status >= 400 && status < 600 {
		return ExitHTTPOther4xx5xx
	}
	return ExitUnknown
}

// Exit is the report a worker sends back to the Supervisor when its
// run loop returns.
type Exit struct {
	URL    string
	Reason ExitReason
	Err    error
}
