package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"meter-collector/pkg/meterdb"
)

// Record is one exported reading.
type Record struct {
	ID        uint64    `json:"id"`
	MeterID   string    `json:"meter_id"`
	DataPoint string    `json:"data_point"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Synced    bool      `json:"synced"`
}

// FromReadings converts stored readings to export records.
func FromReadings(in []meterdb.Reading) []Record {
	out := make([]Record, 0, len(in))
	for _, r := range in {
		out = append(out, Record{
			ID:        r.ID,
			MeterID:   r.MeterID,
			DataPoint: r.DataPoint,
			Timestamp: r.Timestamp,
			Value:     r.Value,
			Unit:      r.Unit,
			Synced:    r.Synced,
		})
	}
	return out
}

// WriteJSON writes readings to a JSON file with pretty formatting.
func WriteJSON(path string, readings []Record) error {
	if readings == nil {
		readings = []Record{}
	}
	b, err := json.MarshalIndent(readings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSV writes one row per reading.
// Columns: id,meter_id,data_point,timestamp,value,unit,synced
func WriteCSV(path string, readings []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	headers := []string{"id", "meter_id", "data_point", "timestamp", "value", "unit", "synced"}
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range readings {
		rec := []string{
			strconv.FormatUint(r.ID, 10),
			r.MeterID,
			r.DataPoint,
			timeToRFC3339(r.Timestamp),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.Unit,
			strconv.FormatBool(r.Synced),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func timeToRFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
