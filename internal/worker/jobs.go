package worker

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/types"
)

// Command is a message the Supervisor posts into a worker's inbox.
// Workers never reach back into Supervisor state directly; everything
// flows as a Command in or a Report out.
type Command interface{ isCommand() }

// SetJobs opens or replaces the subscription/post jobs the worker
// should be running, the "engage" contract.
type SetJobs struct {
	Jobs []types.Job
}

// FinishJob removes a job (by id or by handle/reason) and, if nothing
// remains, tells the worker to wind down gracefully.
type FinishJob struct {
	JobID  string
	Handle types.SubscriptionHandle
}

// Shutdown asks the worker to close its connection gracefully.
type Shutdown struct{}

// SetRelayPolicy pushes the relay's stored AllowAuth tri-state into the
// worker, so relayAllowsAuth reflects what the Supervisor actually
// knows about this relay instead of a constant placeholder. Sent on
// engage and again whenever an auth approval/decline intent updates
// the stored value.
type SetRelayPolicy struct {
	AllowAuth types.TriBool
}

func (SetJobs) isCommand()        {}
func (FinishJob) isCommand()      {}
func (Shutdown) isCommand()       {}
func (SetRelayPolicy) isCommand() {}

// Report is a message a worker posts back to the Supervisor's inbox.
type Report interface{ isReport() }

type JobComplete struct {
	URL   string
	JobID string
}

type JobUpdated struct {
	URL      string
	OldJobID string
	NewJobID string
}

// InboundEvent is forwarded to the Event Processor by the Supervisor
// (the spec keeps the Processor a leaf dependency the worker doesn't
// call directly, to keep the dependency order one-directional).
type InboundEvent struct {
	URL                  string
	Event                *nostr.Event
	Handle               types.SubscriptionHandle
	ProcessEvenIfDup bool
}

type Notify struct {
	URL string
	Msg string
}

type NeedsAuthApproval struct {
	URL    string
	PubKey string
}

// Connected reports a successful dial, the worker-side half of spec
// startup step 3 ("bump success_count; set last_connected_at").
type Connected struct {
	URL string
}

// SeenOnRelay reports that a self-published event was accepted by a
// relay (OK true), so the Supervisor can record the seen-on edge the
// same way it does for inbound events.
type SeenOnRelay struct {
	URL     string
	EventID string
}

// NIP11Fetched reports the relay information document fetched at
// startup, so the Supervisor can cache it on the relay's stored record.
type NIP11Fetched struct {
	URL string
	Doc types.NIP11Document
}

func (JobComplete) isReport()       {}
func (JobUpdated) isReport()        {}
func (InboundEvent) isReport()      {}
func (Notify) isReport()            {}
func (NeedsAuthApproval) isReport() {}
func (Connected) isReport()         {}
func (SeenOnRelay) isReport()       {}
func (NIP11Fetched) isReport()      {}
