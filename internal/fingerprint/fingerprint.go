// Package fingerprint derives a coarse transport-layer fingerprint and a
// bot-likelihood score from TLS connection metadata and the user agent.
// The composite string is a heuristic in the spirit of JA3, not a
// cryptographic identity: it exists to give the session tracker and the risk
// engines a stable per-client signal, nothing more.
package fingerprint

import (
	"crypto/tls"
	"strings"
)

// Signal reason codes contributed to the risk pipeline.
const (
	ReasonScriptedUA     = "scripted_ua"
	ReasonWeakCipher     = "weak_cipher"
	ReasonLocalSNI       = "local_sni"
	ReasonSelfSignedCert = "selfsigned_cert"
)

// Additive bot-likelihood weights. The sum is clamped to [0, 1].
const (
	weightScriptedUA     = 0.35
	weightWeakCipher     = 0.25
	weightLocalSNI       = 0.10
	weightSelfSignedCert = 0.15
)

// maxCompositeLen bounds the composite string so hostile SNI values cannot
// bloat session state or audit entries.
const maxCompositeLen = 256

// scriptedUASubstrings identify common automation clients. Matched
// case-insensitively against the full user agent.
var scriptedUASubstrings = []string{"curl", "wget", "python-urllib", "node-fetch"}

// weakCipherSubstrings identify cipher suites considered weak. Matched
// against the uppercase cipher suite name.
var weakCipherSubstrings = []string{"RC4", "CBC", "3DES"}

// Fingerprint is the per-request transport profile. Recomputed on every
// request; deterministic for identical inputs.
type Fingerprint struct {
	Version   string   `json:"version"`
	Cipher    string   `json:"cipher"`
	SNI       string   `json:"sni"`
	Issuer    string   `json:"issuer"`
	Subject   string   `json:"subject"`
	Composite string   `json:"composite"`
	BotScore  float64  `json:"botScore"`
	Signals   []string `json:"signals,omitempty"`
}

// Analyze builds the fingerprint for one request. tlsState is nil for
// plaintext connections; every absent field falls back to "unknown" and the
// absence itself feeds the score.
func Analyze(tlsState *tls.ConnectionState, userAgent string) Fingerprint {
	fp := Fingerprint{
		Version: "none",
		Cipher:  "unknown",
		Issuer:  "unknown",
		Subject: "unknown",
	}

	if tlsState != nil {
		fp.Version = versionName(tlsState.Version)
		fp.Cipher = tls.CipherSuiteName(tlsState.CipherSuite)
		fp.SNI = tlsState.ServerName

		if len(tlsState.PeerCertificates) > 0 {
			cert := tlsState.PeerCertificates[0]
			if iss := cert.Issuer.CommonName; iss != "" {
				fp.Issuer = iss
			}
			if sub := cert.Subject.CommonName; sub != "" {
				fp.Subject = sub
			}
		}
	}

	score := 0.0

	if hasScriptedUA(userAgent) {
		score += weightScriptedUA
		fp.Signals = append(fp.Signals, ReasonScriptedUA)
	}

	if WeakCipher(fp.Cipher) {
		score += weightWeakCipher
		fp.Signals = append(fp.Signals, ReasonWeakCipher)
	}

	if localSNI(fp.SNI) {
		score += weightLocalSNI
		fp.Signals = append(fp.Signals, ReasonLocalSNI)
	}

	if selfSigned(fp.Issuer, fp.Subject) {
		score += weightSelfSignedCert
		fp.Signals = append(fp.Signals, ReasonSelfSignedCert)
	}

	fp.BotScore = min(score, 1.0)
	fp.Composite = composite(fp)
	return fp
}

// WeakCipher reports whether the cipher suite name contains a weak
// construction. Exported because the rule engine runs its own independent
// check with a different weight.
func WeakCipher(cipher string) bool {
	upper := strings.ToUpper(cipher)
	for _, s := range weakCipherSubstrings {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

func hasScriptedUA(ua string) bool {
	lower := strings.ToLower(ua)
	for _, s := range scriptedUASubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func localSNI(sni string) bool {
	switch sni {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// selfSigned treats an absent issuer, or an issuer equal to the subject, as
// self-signed. Plaintext requests (issuer "unknown") count as absent.
func selfSigned(issuer, subject string) bool {
	return issuer == "unknown" || issuer == subject
}

// composite concatenates the transport fields into the bounded fingerprint
// string. Field order is fixed; changing it would re-key every session.
func composite(fp Fingerprint) string {
	sni := fp.SNI
	if sni == "" {
		sni = "-"
	}
	s := fp.Version + "|" + fp.Cipher + "|" + sni + "|" + fp.Issuer
	if len(s) > maxCompositeLen {
		s = s[:maxCompositeLen]
	}
	return s
}

func versionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}
