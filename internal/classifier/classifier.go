// Package classifier calls the external threat classification service and
// normalizes its structured verdicts.
package classifier

import "context"

// ThreatLevel is the classifier's coarse verdict bucket.
type ThreatLevel string

const (
	ThreatSafe       ThreatLevel = "safe"
	ThreatSuspicious ThreatLevel = "suspicious"
	ThreatDangerous  ThreatLevel = "dangerous"
	ThreatUnknown    ThreatLevel = "unknown"
)

// Attachment is a single encoded media payload sent with the scan text.
type Attachment struct {
	Data []byte
	MIME string
}

// Request carries the content to classify.
type Request struct {
	Text       string
	Attachment *Attachment
}

// Verdict is the structured outcome returned by the classification service.
type Verdict struct {
	ThreatLevel ThreatLevel `json:"threat_level"`
	SafetyScore int         `json:"safety_score"`
	Reasoning   string      `json:"reasoning"`
	Trustworthy bool        `json:"trustworthy"`
	TraceSteps  []string    `json:"trace_steps,omitempty"`
}

// Client exposes the subset of classifier functionality used by the scan flow.
type Client interface {
	Classify(ctx context.Context, req *Request) (*Verdict, error)
}
