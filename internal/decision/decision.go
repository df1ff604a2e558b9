// Package decision combines the independent risk producers into the final
// allow/block verdict for a request.
package decision

import (
	"fmt"
	"net/http"

	"github.com/spaceavenue/ngfw/internal/mlscore"
	"github.com/spaceavenue/ngfw/internal/rbac"
	"github.com/spaceavenue/ngfw/internal/rules"
)

// Block reasons surfaced in 403 bodies.
const (
	BlockReasonRBAC = "RBAC violation"
	BlockReasonRisk = "High risk score"
)

// Labels assigned outside the threshold scale.
const (
	// LabelRateLimited marks requests cut off by the rate limiter before
	// the aggregator runs.
	LabelRateLimited = "ratelimited"
	// LabelGatewayError marks completions where the backend was
	// unreachable.
	LabelGatewayError = "gateway_error"
)

// Decision response headers.
const (
	HeaderRuleRisk  = "x-ngfw-rule-risk"
	HeaderMLRisk    = "x-ngfw-ml-risk"
	HeaderTLSRisk   = "x-ngfw-tls-risk"
	HeaderFinalRisk = "x-ngfw-final-risk"
	HeaderLabel     = "x-ngfw-label"
)

// Inputs are the independent verdicts the aggregator combines.
type Inputs struct {
	RBAC               rbac.Result
	Rule               rules.Assessment
	TransportRisk      float64 // fingerprint bot score
	FingerprintSignals []string
	SessionBoost       float64
	ML                 mlscore.Result
}

// Decision is the final verdict. Immutable once computed; embedded into
// exactly one audit entry.
type Decision struct {
	Allowed     bool    `json:"allowed"`
	FinalRisk   float64 `json:"finalRisk"`
	Label       string  `json:"label"`
	BlockReason string  `json:"blockReason,omitempty"`

	RuleRisk      float64 `json:"ruleRisk"`
	TransportRisk float64 `json:"transportRisk"`
	SessionBoost  float64 `json:"sessionBoost"`
	MLRisk        float64 `json:"mlRisk"`
	MLLabel       string  `json:"mlLabel"`

	RBACAllowed bool     `json:"rbacAllowed"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Aggregator applies the block threshold and label scale to combined risk.
type Aggregator struct {
	blockThreshold float64
	labeler        *rules.Engine
}

// New builds an aggregator. The rules engine supplies the label thresholds
// so the final label and the rule label share one scale.
func New(blockThreshold float64, labeler *rules.Engine) *Aggregator {
	return &Aggregator{blockThreshold: blockThreshold, labeler: labeler}
}

// Combine takes the maximum of the four risk producers, labels it, and
// applies the RBAC verdict and the block threshold. The reason list is the
// union of every contributor's reasons, in pipeline order, undeduplicated.
func (a *Aggregator) Combine(in Inputs) Decision {
	final := max(in.Rule.Score, in.TransportRisk, in.SessionBoost, in.ML.Risk)

	label := a.labeler.Label(final)
	if in.RBAC.Honeypot {
		// Trap traffic is always labeled high risk, even when the observe
		// polarity lets it through.
		label = rules.LabelHighRisk
	}

	var reasons []string
	reasons = append(reasons, in.RBAC.Reasons...)
	reasons = append(reasons, in.Rule.Reasons...)
	reasons = append(reasons, in.FingerprintSignals...)

	d := Decision{
		FinalRisk:     final,
		Label:         label,
		RuleRisk:      in.Rule.Score,
		TransportRisk: in.TransportRisk,
		SessionBoost:  in.SessionBoost,
		MLRisk:        in.ML.Risk,
		MLLabel:       in.ML.Label,
		RBACAllowed:   in.RBAC.Allowed,
		Reasons:       reasons,
	}

	switch {
	case !in.RBAC.Allowed:
		d.BlockReason = BlockReasonRBAC
	case final >= a.blockThreshold:
		d.BlockReason = BlockReasonRisk
	default:
		d.Allowed = true
	}

	return d
}

// SetHeaders writes the component scores and final label onto the response.
func SetHeaders(h http.Header, d Decision) {
	h.Set(HeaderRuleRisk, formatRisk(d.RuleRisk))
	h.Set(HeaderMLRisk, formatRisk(d.MLRisk))
	h.Set(HeaderTLSRisk, formatRisk(max(d.TransportRisk, d.SessionBoost)))
	h.Set(HeaderFinalRisk, formatRisk(d.FinalRisk))
	h.Set(HeaderLabel, d.Label)
}

func formatRisk(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
