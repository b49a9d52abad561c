package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"deskcron/internal/core"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "txt"
)

var csvHeader = []string{
	"id", "task_id", "schedule_name", "execution_time", "success",
	"operation", "target", "message", "duration", "retry_count",
}

// Export writes logs to path in the given format, replacing any existing file.
func (s *LogStore) Export(logs []core.ExecutionLog, format, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure export dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := WriteLogs(f, logs, format); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finish export: %w", err)
	}
	return nil
}

// ReadLogs decodes a json export written by WriteLogs.
func ReadLogs(r io.Reader) ([]core.ExecutionLog, error) {
	var logs []core.ExecutionLog
	if err := json.NewDecoder(r).Decode(&logs); err != nil {
		return nil, fmt.Errorf("%w: decode log backup: %v", core.ErrValidation, err)
	}
	for i, l := range logs {
		if l.ExecutionTime.IsZero() {
			return nil, fmt.Errorf("%w: log backup entry %d has no execution_time", core.ErrValidation, i)
		}
	}
	return logs, nil
}

// WriteLogs encodes logs to w as json, csv or txt.
func WriteLogs(w io.Writer, logs []core.ExecutionLog, format string) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if logs == nil {
			logs = []core.ExecutionLog{}
		}
		if err := enc.Encode(logs); err != nil {
			return fmt.Errorf("encode json export: %w", err)
		}
		return nil
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, l := range logs {
			if err := cw.Write([]string{
				l.ID,
				l.TaskID,
				l.ScheduleName,
				l.ExecutionTime.Format(time.RFC3339),
				strconv.FormatBool(l.Result.Success),
				l.Result.Operation,
				l.Result.Target,
				l.Result.Message,
				l.Duration.String(),
				strconv.Itoa(l.RetryCount),
			}); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatText:
		for _, l := range logs {
			status := "SUCCESS"
			if !l.Result.Success {
				status = "FAILED"
			}
			if _, err := fmt.Fprintf(w, "[%s] %s %s (%s, retries=%d)\n  %s\n",
				l.ExecutionTime.Format("2006-01-02 15:04:05"), status, l.ScheduleName,
				l.Duration, l.RetryCount, l.Result.Message); err != nil {
				return fmt.Errorf("write text export: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported export format %q", core.ErrValidation, format)
}
