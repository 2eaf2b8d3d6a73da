package verdict

import "time"

// Source records which path produced a Verdict. Provenance is diagnostic
// only and never participates in verdict precedence.
type Source string

const (
	SourceChannel   Source = "channel"
	SourceTransport Source = "transport"
	SourceCache     Source = "cache"
	SourceError     Source = "error"
)

// ExternalScan is a pass-through record of a third-party scanner's opinion.
type ExternalScan struct {
	Source string `json:"source"`
	Safe   *bool  `json:"safe"`
}

// Verdict is the canonical safety judgement for a URL or file hash.
// Safe is tri-state: true = confirmed benign, false = confirmed unsafe,
// nil = undetermined. It never defaults to true.
type Verdict struct {
	Safe       *bool  `json:"safe"`
	ThreatType string `json:"threat_type,omitempty"`
	Details    string `json:"details,omitempty"`
	Source     Source `json:"source,omitempty"`
	SubjectURL string `json:"url,omitempty"`

	// Optional enrichment, passed through from the backend untouched.
	Confidence    *float64       `json:"confidence,omitempty"`
	ObservedAt    *time.Time     `json:"observed_at,omitempty"`
	ExternalScans []ExternalScan `json:"external_scans,omitempty"`
}

// Display categories produced by Label.
const (
	LabelClean     = "clean"
	LabelMalicious = "malicious"
	LabelUnknown   = "unknown"
)

// Label collapses the tri-state into the display categories used by
// notification and diagnostics consumers.
func (v *Verdict) Label() string {
	switch {
	case v == nil || v.Safe == nil:
		return LabelUnknown
	case *v.Safe:
		return LabelClean
	default:
		return LabelMalicious
	}
}

// NotificationLevel maps a verdict to the alert severity used by
// notification consumers. Undetermined results warn rather than alarm.
func (v *Verdict) NotificationLevel() string {
	switch v.Label() {
	case LabelMalicious:
		return "danger"
	case LabelClean:
		return "success"
	default:
		return "warning"
	}
}

// Bool is a convenience for building tri-state literals.
func Bool(b bool) *bool { return &b }

// ErrorVerdict builds the degraded verdict returned when every analysis
// path has failed. Safe stays nil so the UI shows "unknown", never "safe".
func ErrorVerdict(subjectURL, details string) *Verdict {
	return &Verdict{
		Safe:       nil,
		Details:    details,
		Source:     SourceError,
		SubjectURL: subjectURL,
	}
}
