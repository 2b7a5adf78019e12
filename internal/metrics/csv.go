package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"lanbridge/internal/model"
)

// WriteCSV writes heartbeat samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.ProbeSample) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"timestamp",
		"connection_id",
		"device_id",
		"rtt_ms",
		"success",
		"failures",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.ConnectionID,
			s.DeviceID,
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
			strconv.FormatBool(s.Success),
			strconv.Itoa(s.Failures),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// AppendCSV appends samples to path, writing the header only for a new
// file. Not safe for concurrent use; callers serialize.
func AppendCSV(path string, items []model.ProbeSample) error {
	info, err := os.Stat(path)
	newFile := os.IsNotExist(err) || (err == nil && info.Size() == 0)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if newFile {
		header := []string{"timestamp", "connection_id", "device_id", "rtt_ms", "success", "failures"}
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.ConnectionID,
			s.DeviceID,
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
			strconv.FormatBool(s.Success),
			strconv.Itoa(s.Failures),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}
