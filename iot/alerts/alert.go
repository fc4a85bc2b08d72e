/*Package alerts implements the alert lifecycle.

Alerts arrive in batches on the messaging transport. Each alert of a batch
becomes one record in state Active. An operator resolves an alert through
the API, which marks it Handled and emits a control command. Handled is
terminal, records are never deleted.

A batch looks like this:

	{
	  "alerts": [{"type": "temp_high", "message": "Temperature above 35°C"}],
	  "timestamp": "2024-01-01T00:00:00Z",
	  "sensorSnapshot": {"temperature": 36.2}
	}

timestamp defaults to the time of ingestion and sensorSnapshot to null. An
alert may carry its own timestamp and sensorSnapshot, which take precedence.
Timestamps are RFC 3339 strings or Unix epoch milliseconds.
*/
package alerts

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Alert is a persisted alert record
type Alert struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Message    string          `json:"message"`
	Timestamp  time.Time       `json:"timestamp"`
	SensorData json.RawMessage `json:"sensor_data"`
	Handled    bool            `json:"handled"`
}

// NewAlert is an alert before it is persisted
type NewAlert struct {
	Type       string
	Message    string
	Timestamp  time.Time
	SensorData json.RawMessage
}

type batchAlert struct {
	Type           string          `json:"type"`
	Message        string          `json:"message"`
	Timestamp      json.RawMessage `json:"timestamp"`
	SensorSnapshot json.RawMessage `json:"sensorSnapshot"`
}

type batch struct {
	Alerts         *[]batchAlert   `json:"alerts"`
	Timestamp      json.RawMessage `json:"timestamp"`
	SensorSnapshot json.RawMessage `json:"sensorSnapshot"`
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// maxEpochMillis is 9999-12-31T23:59:59.999Z, the last instant RFC 3339
// can express
const maxEpochMillis = 253402300799999

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds. ok is
// false if raw is absent or null.
func parseTimestamp(raw json.RawMessage) (t time.Time, ok bool, err error) {
	if isAbsent(raw) {
		return time.Time{}, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid timestamp '%s': %w", s, err)
		}
		return t.UTC(), true, nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, false, fmt.Errorf("invalid timestamp %s", string(raw))
	}
	if ms < 0 || ms > maxEpochMillis {
		return time.Time{}, false, fmt.Errorf("timestamp %s out of range", string(raw))
	}
	return time.UnixMilli(int64(ms)).UTC(), true, nil
}

func snapshotOf(raw json.RawMessage) json.RawMessage {
	if isAbsent(raw) {
		return nil
	}
	return append(json.RawMessage(nil), bytes.TrimSpace(raw)...)
}

// ParseBatch decodes a batch payload into the alerts to persist. The batch
// is decoded completely before anything is returned, a batch without an
// alerts list is an error. now is used for alerts without timestamp.
func ParseBatch(payload []byte, now time.Time) ([]NewAlert, error) {
	var b batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("cannot decode alert batch: %w", err)
	}
	if b.Alerts == nil {
		return nil, fmt.Errorf("alert batch has no alerts list")
	}

	batchTime, ok, err := parseTimestamp(b.Timestamp)
	if err != nil {
		return nil, err
	}
	if !ok {
		batchTime = now.UTC()
	}
	batchSnapshot := snapshotOf(b.SensorSnapshot)

	result := make([]NewAlert, 0, len(*b.Alerts))
	for n, a := range *b.Alerts {
		if len(a.Type) == 0 {
			return nil, fmt.Errorf("alert #%d has no type", n)
		}
		alert := NewAlert{
			Type:       a.Type,
			Message:    a.Message,
			Timestamp:  batchTime,
			SensorData: batchSnapshot,
		}
		t, ok, err := parseTimestamp(a.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("alert #%d: %w", n, err)
		}
		if ok {
			alert.Timestamp = t
		}
		if snapshot := snapshotOf(a.SensorSnapshot); snapshot != nil {
			alert.SensorData = snapshot
		}
		result = append(result, alert)
	}
	return result, nil
}
