// Package rules scores a request with additive heuristics. The engine is a
// pure function of its input; every triggered heuristic contributes its
// reason code, and reasons are never deduplicated or suppressed.
package rules

import (
	"time"

	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/fingerprint"
)

// Risk labels.
const (
	LabelNormal     = "normal"
	LabelMediumRisk = "medium_risk"
	LabelHighRisk   = "high_risk"
)

// Heuristic weights. Scores are summed then clamped to [0, 1].
const (
	weightAnonymous         = 0.15
	weightAdminPath         = 0.45
	weightGuestOnAdmin      = 0.25
	weightHoneypot          = 0.75
	weightRateExceeded      = 0.40
	weightNewSessionOnAdmin = 0.35
	weightWeakCipher        = 0.30
)

// transportRiskFloor is the transport-risk value above which the full value
// is added to the score (not a flat increment).
const transportRiskFloor = 0.3

// newSessionAge is the session age below which admin access is suspicious.
const newSessionAge = 5 * time.Second

// Reason codes.
const (
	ReasonAnonymous     = "anonymous_user"
	ReasonAdminPath     = "admin_path"
	ReasonGuestOnAdmin  = "guest_admin_access"
	ReasonHoneypot      = "honeypot_path"
	ReasonRateExceeded  = "rate_exceeded"
	ReasonTransportRisk = "elevated_transport_risk"
	ReasonNewSession    = "new_session_admin"
	ReasonWeakCipher    = "weak_cipher"
)

// Input carries the request facts the heuristics evaluate. Flags are
// resolved by the caller (the RBAC engine knows the prefix tables) so this
// package stays table-free and pure.
type Input struct {
	UserID        string
	Role          string
	Path          string
	Cipher        string
	AdminPath     bool
	Honeypot      bool
	RateExceeded  bool
	TransportRisk float64
	SessionAge    time.Duration
}

// Assessment is the scored outcome. Immutable once returned.
type Assessment struct {
	Score   float64  `json:"score"`
	Label   string   `json:"label"`
	Reasons []string `json:"reasons,omitempty"`
}

// Engine applies the heuristics with the configured label thresholds.
type Engine struct {
	highThreshold   float64
	mediumThreshold float64
}

// New builds an engine from the validated risk config.
func New(cfg config.RiskConfig) *Engine {
	return &Engine{
		highThreshold:   cfg.HighThreshold,
		mediumThreshold: cfg.MediumThreshold,
	}
}

// Evaluate scores the input. Deterministic and side-effect free.
func (e *Engine) Evaluate(in Input) Assessment {
	score := 0.0
	var reasons []string

	if in.UserID == "" || in.UserID == "anonymous" {
		score += weightAnonymous
		reasons = append(reasons, ReasonAnonymous)
	}

	if in.AdminPath {
		score += weightAdminPath
		reasons = append(reasons, ReasonAdminPath)

		if in.Role == "guest" || in.Role == "" {
			score += weightGuestOnAdmin
			reasons = append(reasons, ReasonGuestOnAdmin)
		}

		if in.SessionAge < newSessionAge {
			score += weightNewSessionOnAdmin
			reasons = append(reasons, ReasonNewSession)
		}
	}

	if in.Honeypot {
		score += weightHoneypot
		reasons = append(reasons, ReasonHoneypot)
	}

	if in.RateExceeded {
		score += weightRateExceeded
		reasons = append(reasons, ReasonRateExceeded)
	}

	if in.TransportRisk > transportRiskFloor {
		score += in.TransportRisk
		reasons = append(reasons, ReasonTransportRisk)
	}

	if fingerprint.WeakCipher(in.Cipher) {
		score += weightWeakCipher
		reasons = append(reasons, ReasonWeakCipher)
	}

	score = min(score, 1.0)

	return Assessment{
		Score:   score,
		Label:   e.Label(score),
		Reasons: reasons,
	}
}

// Label discretizes a score with the configured thresholds. Also used by
// the decision aggregator on the combined maximum.
func (e *Engine) Label(score float64) string {
	switch {
	case score >= e.highThreshold:
		return LabelHighRisk
	case score >= e.mediumThreshold:
		return LabelMediumRisk
	default:
		return LabelNormal
	}
}
