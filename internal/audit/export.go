package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SIEMRecord is the normalized export schema. Field names and order are the
// external contract; changing them breaks downstream parsers.
type SIEMRecord struct {
	Timestamp        string   `json:"timestamp"`
	EventType        string   `json:"event_type"`
	SourceIP         string   `json:"source_ip"`
	HTTPMethod       string   `json:"http_method"`
	URLPath          string   `json:"url_path"`
	UserID           string   `json:"user_id"`
	UserRole         string   `json:"user_role"`
	Action           string   `json:"action"`
	StatusCode       int      `json:"status_code"`
	RiskScore        float64  `json:"risk_score"`
	RuleRisk         float64  `json:"rule_risk"`
	MLRisk           float64  `json:"ml_risk"`
	RiskLabel        string   `json:"risk_label"`
	MLLabel          string   `json:"ml_label"`
	GatewayService   string   `json:"gateway_service"`
	ProtectedService string   `json:"protected_service"`
	Reasons          []string `json:"reasons"`
}

// csvHeader mirrors the SIEMRecord field order.
var csvHeader = []string{
	"timestamp", "event_type", "source_ip", "http_method", "url_path",
	"user_id", "user_role", "action", "status_code", "risk_score",
	"rule_risk", "ml_risk", "risk_label", "ml_label",
	"gateway_service", "protected_service", "reasons",
}

// Exporter normalizes chain entries into the SIEM schema.
type Exporter struct {
	gatewayService   string
	protectedService string
}

// NewExporter names the two services stamped on every exported record:
// this gateway, and the backend it protects.
func NewExporter(gatewayService, protectedService string) *Exporter {
	return &Exporter{
		gatewayService:   gatewayService,
		protectedService: protectedService,
	}
}

// Normalize maps one entry to the external schema.
func (x *Exporter) Normalize(e Entry) SIEMRecord {
	action := "blocked"
	if e.Allowed {
		action = "allowed"
	}

	return SIEMRecord{
		Timestamp:        e.Timestamp,
		EventType:        "ngfw_" + e.EventType,
		SourceIP:         e.ClientIP,
		HTTPMethod:       e.Method,
		URLPath:          e.Path,
		UserID:           e.UserID,
		UserRole:         e.Role,
		Action:           action,
		StatusCode:       e.StatusCode,
		RiskScore:        e.FinalRisk,
		RuleRisk:         e.RuleRisk,
		MLRisk:           e.MLRisk,
		RiskLabel:        e.Label,
		MLLabel:          e.MLLabel,
		GatewayService:   x.gatewayService,
		ProtectedService: x.protectedService,
		Reasons:          e.Reasons,
	}
}

// WriteJSON streams the normalized entries as a JSON array.
func (x *Exporter) WriteJSON(w io.Writer, entries []Entry) error {
	records := make([]SIEMRecord, len(entries))
	for i, e := range entries {
		records[i] = x.Normalize(e)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// WriteCSV streams the normalized entries as CSV with a header row.
// Reasons are joined with ";" inside their cell.
func (x *Exporter) WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	for _, e := range entries {
		r := x.Normalize(e)
		row := []string{
			r.Timestamp, r.EventType, r.SourceIP, r.HTTPMethod, r.URLPath,
			r.UserID, r.UserRole, r.Action,
			strconv.Itoa(r.StatusCode),
			formatScore(r.RiskScore),
			formatScore(r.RuleRisk),
			formatScore(r.MLRisk),
			r.RiskLabel, r.MLLabel,
			r.GatewayService, r.ProtectedService,
			strings.Join(r.Reasons, ";"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row %s: %w", r.Timestamp, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
