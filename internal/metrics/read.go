package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"lanbridge/internal/model"
)

// ReadCSV loads heartbeat samples from a CSV file.
func ReadCSV(path string) ([]model.ProbeSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.ProbeSample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.ProbeSample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 6 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		rtt, _ := strconv.ParseFloat(rec[3], 64)
		success, _ := strconv.ParseBool(rec[4])
		failures, _ := strconv.Atoi(rec[5])
		items = append(items, model.ProbeSample{
			Timestamp:    ts,
			ConnectionID: rec[1],
			DeviceID:     rec[2],
			RTTMs:        rtt,
			Success:      success,
			Failures:     failures,
		})
	}

	return items, nil
}
