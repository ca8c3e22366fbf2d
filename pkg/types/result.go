package types

import "time"

type State string

const (
	StateQueued    State = "queued"
	StateCompiling State = "compiling"
	StateMerging   State = "merging"
	StateSigning   State = "signing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeFatal          Outcome = "fatal"
	OutcomeCancelled      Outcome = "cancelled"
)

type EventKind string

const (
	EventStageEntered EventKind = "stage_entered"
	EventABIStarted   EventKind = "abi_started"
	EventABIRetry     EventKind = "abi_retry"
	EventABICompleted EventKind = "abi_completed"
	EventABIFailed    EventKind = "abi_failed"
	EventError        EventKind = "error"
)

// BuildEvent is append-only; Seq increases by one per event within a build.
type BuildEvent struct {
	Seq     int       `json:"seq"`
	Time    time.Time `json:"time"`
	BuildID string    `json:"build_id"`
	Kind    EventKind `json:"kind"`
	Stage   State     `json:"stage"`
	ABI     ABI       `json:"abi,omitempty"`
	Module  string    `json:"module,omitempty"`
	Message string    `json:"message,omitempty"`
}

type ABIFailure struct {
	ABI        ABI       `json:"abi"`
	Module     string    `json:"module"`
	Required   bool      `json:"required"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	ExitStatus int       `json:"exit_status,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Failure is the single reason attached to fatal and cancelled builds.
type Failure struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	ABI      ABI       `json:"abi,omitempty"`
	Path     string    `json:"path,omitempty"`
	KeyAlias string    `json:"key_alias,omitempty"`
}

func FailureFrom(err error) *Failure {
	f := &Failure{Kind: KindOf(err), Message: err.Error()}
	if te, ok := AsError(err); ok {
		f.ABI = te.ABI
		f.Path = te.Path
		f.KeyAlias = te.KeyAlias
	}
	return f
}

type Timing struct {
	Started time.Time             `json:"started"`
	Total   time.Duration         `json:"total"`
	Compile time.Duration         `json:"compile"`
	Merge   time.Duration         `json:"merge"`
	Sign    time.Duration         `json:"sign"`
	PerABI  map[ABI]time.Duration `json:"per_abi,omitempty"`
}

type BuildResult struct {
	ID       string         `json:"id"`
	Outcome  Outcome        `json:"outcome"`
	Package  *SignedPackage `json:"package,omitempty"`
	Failures []ABIFailure   `json:"failures,omitempty"`
	Reason   *Failure       `json:"reason,omitempty"`
	Timing   Timing         `json:"timing"`
	Events   []BuildEvent   `json:"events"`
	States   []State        `json:"states"`
}
