// Package usageexport implements UsageExportEngine: bulk export of usage
// records in CSV or NDJSON form.
package usageexport

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one exportable usage line.
type Record struct {
	Key         string `json:"key"`
	Tool        string `json:"tool"`
	Calls       int64  `json:"calls"`
	Credits     int64  `json:"credits"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Format selects the export encoding.
type Format string

const (
	CSV   Format = "csv"
	NDJSON Format = "ndjson"
)

// Export renders records in the requested format.
func Export(records []Record, format Format) (string, error) {
	switch format {
	case CSV:
		return exportCSV(records)
	case NDJSON:
		return exportNDJSON(records)
	default:
		return "", fmt.Errorf("usageexport: unknown format %q", format)
	}
}

func exportCSV(records []Record) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)

	if err := w.Write([]string{"key", "tool", "calls", "credits", "timestamp_ms"}); err != nil {
		return "", err
	}
	for _, r := range records {
		row := []string{
			r.Key,
			r.Tool,
			strconv.FormatInt(r.Calls, 10),
			strconv.FormatInt(r.Credits, 10),
			strconv.FormatInt(r.TimestampMs, 10),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func exportNDJSON(records []Record) (string, error) {
	var b strings.Builder
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
