package rules

import (
	"testing"
	"time"

	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/stretchr/testify/assert"
)

func defaultEngine() *Engine {
	return New(config.Defaults().Risk)
}

// baseline is a fully identified, unremarkable request.
var baseline = Input{
	UserID:     "alice",
	Role:       "analyst",
	Path:       "/api/users",
	Cipher:     "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	SessionAge: time.Hour,
}

func TestEvaluate(t *testing.T) {
	t.Run("clean request scores zero", func(t *testing.T) {
		a := defaultEngine().Evaluate(baseline)
		assert.Equal(t, 0.0, a.Score)
		assert.Equal(t, LabelNormal, a.Label)
		assert.Empty(t, a.Reasons)
	})

	t.Run("anonymous user adds 0.15", func(t *testing.T) {
		in := baseline
		in.UserID = "anonymous"
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.15, a.Score, 1e-9)
		assert.Contains(t, a.Reasons, ReasonAnonymous)
	})

	t.Run("empty user counts as anonymous", func(t *testing.T) {
		in := baseline
		in.UserID = ""
		a := defaultEngine().Evaluate(in)
		assert.Contains(t, a.Reasons, ReasonAnonymous)
	})

	t.Run("admin path adds 0.45", func(t *testing.T) {
		in := baseline
		in.AdminPath = true
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.45, a.Score, 1e-9)
		assert.Equal(t, LabelMediumRisk, a.Label)
	})

	t.Run("guest on admin path stacks to 0.70", func(t *testing.T) {
		in := baseline
		in.Role = "guest"
		in.AdminPath = true
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.70, a.Score, 1e-9)
		assert.Equal(t, LabelHighRisk, a.Label)
		assert.Contains(t, a.Reasons, ReasonAdminPath)
		assert.Contains(t, a.Reasons, ReasonGuestOnAdmin)
	})

	t.Run("new session on admin path adds 0.35", func(t *testing.T) {
		in := baseline
		in.AdminPath = true
		in.SessionAge = 2 * time.Second
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.80, a.Score, 1e-9)
		assert.Contains(t, a.Reasons, ReasonNewSession)
	})

	t.Run("new session off admin paths is not penalized", func(t *testing.T) {
		in := baseline
		in.SessionAge = 0
		a := defaultEngine().Evaluate(in)
		assert.Equal(t, 0.0, a.Score)
	})

	t.Run("honeypot path adds 0.75", func(t *testing.T) {
		in := baseline
		in.Honeypot = true
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.75, a.Score, 1e-9)
		assert.Equal(t, LabelHighRisk, a.Label)
	})

	t.Run("rate exceeded adds 0.40", func(t *testing.T) {
		in := baseline
		in.RateExceeded = true
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.40, a.Score, 1e-9)
		assert.Contains(t, a.Reasons, ReasonRateExceeded)
	})

	t.Run("transport risk above the floor adds its full value", func(t *testing.T) {
		in := baseline
		in.TransportRisk = 0.55
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.55, a.Score, 1e-9)
		assert.Contains(t, a.Reasons, ReasonTransportRisk)
	})

	t.Run("transport risk at or below the floor is ignored", func(t *testing.T) {
		in := baseline
		in.TransportRisk = 0.3
		a := defaultEngine().Evaluate(in)
		assert.Equal(t, 0.0, a.Score)
	})

	t.Run("weak cipher adds 0.30", func(t *testing.T) {
		in := baseline
		in.Cipher = "TLS_RSA_WITH_AES_256_CBC_SHA"
		a := defaultEngine().Evaluate(in)
		assert.InDelta(t, 0.30, a.Score, 1e-9)
		assert.Contains(t, a.Reasons, ReasonWeakCipher)
	})

	t.Run("stacked heuristics clamp to 1.0", func(t *testing.T) {
		in := Input{
			UserID:        "anonymous",
			Role:          "guest",
			Path:          "/admin/panel",
			Cipher:        "TLS_RSA_WITH_RC4_128_SHA",
			AdminPath:     true,
			Honeypot:      true,
			RateExceeded:  true,
			TransportRisk: 0.9,
			SessionAge:    time.Second,
		}
		a := defaultEngine().Evaluate(in)
		assert.Equal(t, 1.0, a.Score)
		assert.Equal(t, LabelHighRisk, a.Label)
		assert.Len(t, a.Reasons, 8)
	})

	t.Run("adding a trigger never lowers the score", func(t *testing.T) {
		e := defaultEngine()
		in := baseline
		prev := e.Evaluate(in).Score

		in.UserID = "anonymous"
		next := e.Evaluate(in).Score
		assert.GreaterOrEqual(t, next, prev)
		prev = next

		in.AdminPath = true
		next = e.Evaluate(in).Score
		assert.GreaterOrEqual(t, next, prev)
		prev = next

		in.RateExceeded = true
		next = e.Evaluate(in).Score
		assert.GreaterOrEqual(t, next, prev)
	})

	t.Run("deterministic for identical input", func(t *testing.T) {
		e := defaultEngine()
		in := baseline
		in.Honeypot = true
		first := e.Evaluate(in)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, e.Evaluate(in))
		}
	})
}

func TestLabel(t *testing.T) {
	e := defaultEngine()
	assert.Equal(t, LabelNormal, e.Label(0.0))
	assert.Equal(t, LabelNormal, e.Label(0.39))
	assert.Equal(t, LabelMediumRisk, e.Label(0.40))
	assert.Equal(t, LabelMediumRisk, e.Label(0.69))
	assert.Equal(t, LabelHighRisk, e.Label(0.70))
	assert.Equal(t, LabelHighRisk, e.Label(1.0))
}
