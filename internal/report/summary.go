package report

import "github.com/ogulcanaydogan/apkforge/pkg/types"

const (
	StatusOK       = "ok"
	StatusCached   = "cached"
	StatusFailed   = "failed"
	StatusDegraded = "degraded"
)

type PackageSummary struct {
	Digest             string          `json:"digest"`
	LayoutDigest       string          `json:"layout_digest"`
	Size               int64           `json:"size"`
	Schemes            types.SchemeSet `json:"schemes"`
	CertificateDigest  string          `json:"certificate_digest"`
	SigningBlockOffset int64           `json:"signing_block_offset"`
	Path               string          `json:"path,omitempty"`
	V4Path             string          `json:"v4_path,omitempty"`
}

// TargetResult is the machine-readable outcome of one compile task. JVM
// modules appear with an empty ABI; Required is only recorded for failures.
type TargetResult struct {
	Module     string          `json:"module"`
	ABI        types.ABI       `json:"abi,omitempty"`
	Status     string          `json:"status"`
	Required   bool            `json:"required,omitempty"`
	Attempts   int             `json:"attempts"`
	Kind       types.ErrorKind `json:"kind,omitempty"`
	ExitStatus int             `json:"exit_status,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type Summary struct {
	BuildID string          `json:"build_id"`
	Outcome types.Outcome   `json:"outcome"`
	States  []types.State   `json:"states"`
	Package *PackageSummary `json:"package,omitempty"`
	Reason  *types.Failure  `json:"reason,omitempty"`
	Targets []TargetResult  `json:"targets"`
	Timing  types.Timing    `json:"timing"`
	Events  int             `json:"events"`
}

type targetKey struct {
	module string
	abi    types.ABI
}

// Summarize folds a build result into per-target rows ordered by when each
// target started.
func Summarize(r types.BuildResult) Summary {
	s := Summary{
		BuildID: r.ID,
		Outcome: r.Outcome,
		States:  r.States,
		Reason:  r.Reason,
		Timing:  r.Timing,
		Events:  len(r.Events),
		Targets: make([]TargetResult, 0),
	}
	if p := r.Package; p != nil {
		s.Package = &PackageSummary{
			Digest:             p.Digest,
			LayoutDigest:       p.LayoutDigest,
			Size:               p.Size,
			Schemes:            p.Schemes,
			CertificateDigest:  p.CertificateDigest,
			SigningBlockOffset: p.SigningBlockOffset,
		}
	}

	index := make(map[targetKey]int)
	for _, ev := range r.Events {
		k := targetKey{ev.Module, ev.ABI}
		switch ev.Kind {
		case types.EventABIStarted:
			if _, ok := index[k]; !ok {
				index[k] = len(s.Targets)
				s.Targets = append(s.Targets, TargetResult{Module: ev.Module, ABI: ev.ABI, Status: StatusOK, Attempts: 1})
			}
		case types.EventABIRetry:
			if i, ok := index[k]; ok {
				s.Targets[i].Attempts++
			}
		case types.EventABICompleted:
			if i, ok := index[k]; ok && ev.Message == "cached" {
				s.Targets[i].Status = StatusCached
			}
		}
	}
	for _, f := range r.Failures {
		i, ok := index[targetKey{f.Module, f.ABI}]
		if !ok {
			i = len(s.Targets)
			s.Targets = append(s.Targets, TargetResult{Module: f.Module, ABI: f.ABI})
		}
		t := &s.Targets[i]
		t.Status = StatusFailed
		if !f.Required && r.Outcome == types.OutcomePartialFailure {
			t.Status = StatusDegraded
		}
		t.Required = f.Required
		t.Attempts = f.Attempts
		t.Kind = f.Kind
		t.ExitStatus = f.ExitStatus
		t.Message = f.Message
	}
	return s
}
