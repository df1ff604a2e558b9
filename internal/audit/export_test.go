package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{
			Seq:       0,
			Timestamp: "2026-03-01T12:00:00Z",
			EventType: EventDecision,
			ClientIP:  "10.0.0.1",
			Method:    "GET",
			Path:      "/api/users",
			UserID:    "alice",
			Role:      "analyst",
			FinalRisk: 0.15,
			RuleRisk:  0.15,
			MLRisk:    0.05,
			Label:     "normal",
			MLLabel:   "normal",
			Allowed:   true,
			Reasons:   []string{"anonymous_user", "weak_cipher"},
		},
		{
			Seq:        1,
			Timestamp:  "2026-03-01T12:00:01Z",
			EventType:  EventCompletion,
			ClientIP:   "10.0.0.1",
			Method:     "GET",
			Path:       "/api/users",
			UserID:     "alice",
			Role:       "analyst",
			FinalRisk:  0.15,
			Label:      "normal",
			Allowed:    true,
			StatusCode: 200,
		},
	}
}

func TestNormalize(t *testing.T) {
	x := NewExporter("ngfw", "backend.internal:8080")

	t.Run("maps entry fields to the external schema", func(t *testing.T) {
		r := x.Normalize(sampleEntries()[0])

		assert.Equal(t, "ngfw_decision", r.EventType)
		assert.Equal(t, "10.0.0.1", r.SourceIP)
		assert.Equal(t, "GET", r.HTTPMethod)
		assert.Equal(t, "/api/users", r.URLPath)
		assert.Equal(t, "alice", r.UserID)
		assert.Equal(t, "analyst", r.UserRole)
		assert.Equal(t, "allowed", r.Action)
		assert.Equal(t, 0.15, r.RiskScore)
		assert.Equal(t, "ngfw", r.GatewayService)
		assert.Equal(t, "backend.internal:8080", r.ProtectedService)
	})

	t.Run("blocked entries map to the blocked action", func(t *testing.T) {
		e := sampleEntries()[0]
		e.Allowed = false
		assert.Equal(t, "blocked", x.Normalize(e).Action)
	})

	t.Run("completion entries carry the status code", func(t *testing.T) {
		r := x.Normalize(sampleEntries()[1])
		assert.Equal(t, "ngfw_completion", r.EventType)
		assert.Equal(t, 200, r.StatusCode)
	})
}

func TestWriteJSON(t *testing.T) {
	x := NewExporter("ngfw", "backend.internal:8080")

	t.Run("produces a parseable array in entry order", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, x.WriteJSON(&buf, sampleEntries()))

		var records []SIEMRecord
		require.NoError(t, json.Unmarshal(buf.Bytes(), &records))
		require.Len(t, records, 2)
		assert.Equal(t, "ngfw_decision", records[0].EventType)
		assert.Equal(t, "ngfw_completion", records[1].EventType)
	})

	t.Run("empty chain exports an empty array", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, x.WriteJSON(&buf, nil))
		assert.JSONEq(t, "[]", buf.String())
	})
}

func TestWriteCSV(t *testing.T) {
	x := NewExporter("ngfw", "backend.internal:8080")

	t.Run("header row matches the schema", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, x.WriteCSV(&buf, sampleEntries()))

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, csvHeader, rows[0])
	})

	t.Run("rows carry normalized values", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, x.WriteCSV(&buf, sampleEntries()))

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)

		first := rows[1]
		assert.Equal(t, "2026-03-01T12:00:00Z", first[0])
		assert.Equal(t, "ngfw_decision", first[1])
		assert.Equal(t, "allowed", first[7])
		assert.Equal(t, "0", first[8], "decision entries have no status yet")
		assert.Equal(t, "0.15", first[9])
		assert.Equal(t, "anonymous_user;weak_cipher", first[16])

		second := rows[2]
		assert.Equal(t, "200", second[8])
	})
}
