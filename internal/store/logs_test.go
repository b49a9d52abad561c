package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deskcron/internal/core"
)

func openTestLogStore(t *testing.T, dir string, rotate int64) *LogStore {
	t.Helper()
	s, err := OpenLogStore(context.Background(), dir, rotate, nil)
	if err != nil {
		t.Fatalf("OpenLogStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeLog(i int, name string, success bool, message string) *core.ExecutionLog {
	return &core.ExecutionLog{
		ID:            fmt.Sprintf("log-%03d", i),
		TaskID:        "task-" + name,
		ScheduleName:  name,
		ExecutionTime: base.Add(time.Duration(i) * time.Minute),
		Result: core.ExecutionResult{
			Success:   success,
			Message:   message,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Operation: "execute_sequence",
			Target:    "notepad",
		},
		Duration: core.Duration(time.Second),
	}
}

func saveLogs(t *testing.T, s *LogStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := "nightly"
		if i%2 == 1 {
			name = "hourly"
		}
		msg := fmt.Sprintf("executed step batch %d", i)
		if i%5 == 0 {
			msg = "Window not found: Untitled - Notepad"
		}
		if err := s.Save(context.Background(), makeLog(i, name, i%5 != 0, msg)); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
}

func TestLogLoadPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 0)
	saveLogs(t, s, 25)

	page1, err := s.Load(ctx, 1, 10, LogFilter{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(page1) != 10 || page1[0].ID != "log-024" || page1[9].ID != "log-015" {
		t.Fatalf("page 1 = %v..%v (%d)", page1[0].ID, page1[len(page1)-1].ID, len(page1))
	}
	page3, _ := s.Load(ctx, 3, 10, LogFilter{})
	if len(page3) != 5 || page3[4].ID != "log-000" {
		t.Fatalf("page 3 has %d entries", len(page3))
	}

	hourly, _ := s.Load(ctx, 1, 100, LogFilter{ScheduleName: "hourly"})
	if len(hourly) != 12 {
		t.Fatalf("hourly = %d", len(hourly))
	}
	failed := false
	n, err := s.Count(ctx, LogFilter{Success: &failed})
	if err != nil || n != 5 {
		t.Fatalf("failed count = %d, %v", n, err)
	}
	n, _ = s.Count(ctx, LogFilter{Day: base.Format(time.DateOnly), From: base.Add(10 * time.Minute), To: base.Add(20 * time.Minute)})
	if n != 10 {
		t.Fatalf("range count = %d", n)
	}
}

func TestLogSearch(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 0)
	saveLogs(t, s, 20)

	got, err := s.Search(ctx, `"window not found" notepad`, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("phrase search = %d results", len(got))
	}
	got, _ = s.Search(ctx, "hourly batch", 0)
	if len(got) != 8 {
		t.Fatalf("AND search = %d results", len(got))
	}
	got, _ = s.Search(ctx, "100%", 0)
	if len(got) != 0 {
		t.Fatalf("wildcard characters must match literally, got %d", len(got))
	}
}

func TestParseQuery(t *testing.T) {
	t.Parallel()
	got := parseQuery(`Error "Window Not Found"  notepad`)
	want := []string{"error", "window not found", "notepad"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("parseQuery = %q", got)
	}
}

func TestRotationKeepsEveryEntryReadable(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 1024)
	saveLogs(t, s, 30)

	segments, err := s.Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segments) < 3 {
		t.Fatalf("expected several segments, got %v", segments)
	}
	for _, name := range segments {
		info, err := os.Stat(filepath.Join(s.segDir, name))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Size() > 1024 {
			t.Fatalf("segment %s is %d bytes", name, info.Size())
		}
	}
	all, err := s.Load(ctx, 1, 100, LogFilter{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(all) != 30 {
		t.Fatalf("loaded %d entries after rotation", len(all))
	}
	seen := make(map[string]bool)
	for _, l := range all {
		if seen[l.ID] {
			t.Fatalf("duplicate entry %s", l.ID)
		}
		seen[l.ID] = true
	}
	found, _ := s.Search(ctx, "batch 1", 0)
	if len(found) == 0 {
		t.Fatal("search across rotated segments found nothing")
	}

	before, _ := s.Segments()
	active, err := s.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after, _ := s.Segments()
	if len(after) != len(before)+1 || after[len(after)-1] != active {
		t.Fatalf("manual rotate: before %v after %v active %s", before, after, active)
	}
	if again, _ := s.Rotate(); again != active {
		t.Fatal("rotating an empty segment must be a no-op")
	}
}

func TestDeleteBeforeCompactsSegments(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 1024)
	saveLogs(t, s, 30)
	segmentsBefore, _ := s.Segments()

	removed, err := s.DeleteBefore(ctx, base.Add(15*time.Minute+30*time.Second))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if removed != 16 {
		t.Fatalf("removed %d, want 16", removed)
	}
	segmentsAfter, _ := s.Segments()
	if len(segmentsAfter) >= len(segmentsBefore) {
		t.Fatalf("expired segments not dropped: %v -> %v", segmentsBefore, segmentsAfter)
	}
	all, err := s.Load(ctx, 1, 100, LogFilter{})
	if err != nil {
		t.Fatalf("Load after delete: %v", err)
	}
	if len(all) != 14 || all[len(all)-1].ID != "log-016" {
		t.Fatalf("remaining = %d, oldest %s", len(all), all[len(all)-1].ID)
	}

	if err := s.Save(ctx, makeLog(99, "nightly", true, "after compaction")); err != nil {
		t.Fatalf("Save after compaction: %v", err)
	}
	if n, _ := s.Count(ctx, LogFilter{}); n != 15 {
		t.Fatalf("count = %d", n)
	}
}

func TestRebuildIndexAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenLogStore(ctx, dir, 2048, nil)
	if err != nil {
		t.Fatalf("OpenLogStore: %v", err)
	}
	saveLogs(t, s, 12)
	s.Close()

	// Corrupt a line and drop the index; reopening rebuilds it.
	segs, _ := os.ReadDir(filepath.Join(dir, "segments"))
	f, err := os.OpenFile(filepath.Join(dir, "segments", segs[0].Name()), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()
	for _, name := range []string{"index.sqlite", "index.sqlite-wal", "index.sqlite-shm"} {
		os.Remove(filepath.Join(dir, name))
	}

	s2 := openTestLogStore(t, dir, 2048)
	if n, _ := s2.Count(ctx, LogFilter{}); n != 12 {
		t.Fatalf("count after reopen = %d", n)
	}
	n, err := s2.RebuildIndex(ctx)
	if err != nil || n != 12 {
		t.Fatalf("RebuildIndex = %d, %v", n, err)
	}
	got, _ := s2.Load(ctx, 1, 1, LogFilter{})
	if len(got) != 1 || got[0].ID != "log-011" {
		t.Fatalf("newest after rebuild = %+v", got)
	}
}

func TestSaveSameIDTwiceIndexesOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 0)
	l := makeLog(1, "nightly", true, "ok")
	for i := 0; i < 2; i++ {
		if err := s.Save(ctx, l); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if n, _ := s.Count(ctx, LogFilter{}); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestExportFormats(t *testing.T) {
	logs := []core.ExecutionLog{*makeLog(1, "nightly", true, "ok"), *makeLog(2, "hourly", false, `failed, "badly"`)}

	var buf bytes.Buffer
	if err := WriteLogs(&buf, logs, FormatJSON); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded []core.ExecutionLog
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || len(decoded) != 2 {
		t.Fatalf("json export decode: %v (%d)", err, len(decoded))
	}

	buf.Reset()
	if err := WriteLogs(&buf, logs, FormatCSV); err != nil {
		t.Fatalf("csv: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil || len(records) != 3 || records[2][7] != `failed, "badly"` {
		t.Fatalf("csv export = %v, %v", records, err)
	}

	buf.Reset()
	if err := WriteLogs(&buf, logs, FormatText); err != nil {
		t.Fatalf("txt: %v", err)
	}
	if !strings.Contains(buf.String(), "FAILED hourly") {
		t.Fatalf("txt export = %q", buf.String())
	}

	if err := WriteLogs(&buf, logs, "xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}

	s := openTestLogStore(t, t.TempDir(), 0)
	path := filepath.Join(t.TempDir(), "out", "logs.csv")
	if err := s.Export(logs, FormatCSV, path); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("export file missing: %v", err)
	}
}

func TestAllReturnsEveryMatch(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 0)
	saveLogs(t, s, 12)
	all, err := s.All(ctx, LogFilter{ScheduleName: "nightly"})
	if err != nil || len(all) != 6 {
		t.Fatalf("All = %d, %v", len(all), err)
	}
}

func TestReopenIndexesUnindexedTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenLogStore(ctx, dir, 0, nil)
	if err != nil {
		t.Fatalf("OpenLogStore: %v", err)
	}
	saveLogs(t, s, 3)
	s.Close()

	// Lines appended after the last indexed entry, ending in a torn write.
	f, err := os.OpenFile(filepath.Join(dir, "segments", segmentName(1)), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	for _, i := range []int{3, 4} {
		line, _ := json.Marshal(makeLog(i, "nightly", true, "appended"))
		f.Write(append(line, '\n'))
	}
	f.WriteString(`{"id":"log-torn","sched`)
	f.Close()

	s2 := openTestLogStore(t, dir, 0)
	if n, _ := s2.Count(ctx, LogFilter{}); n != 5 {
		t.Fatalf("count after reopen = %d, want 5", n)
	}
	if err := s2.Save(ctx, makeLog(5, "nightly", true, "after reopen")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	all, err := s2.All(ctx, LogFilter{})
	if err != nil || len(all) != 6 || all[0].ID != "log-005" || all[1].ID != "log-004" {
		t.Fatalf("All = %d logs, %v", len(all), err)
	}
	if n, err := s2.RebuildIndex(ctx); err != nil || n != 6 {
		t.Fatalf("RebuildIndex = %d, %v", n, err)
	}
}

func TestReplaceFromBackup(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 2048)
	saveLogs(t, s, 5)
	all, _ := s.All(ctx, LogFilter{})
	var backup bytes.Buffer
	if err := WriteLogs(&backup, all, FormatJSON); err != nil {
		t.Fatalf("WriteLogs: %v", err)
	}

	saveLogs(t, s, 20)
	restored, err := ReadLogs(&backup)
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	n, err := s.Replace(ctx, restored)
	if err != nil || n != 5 {
		t.Fatalf("Replace = %d, %v", n, err)
	}
	if n, _ := s.Count(ctx, LogFilter{}); n != 5 {
		t.Fatalf("count after replace = %d", n)
	}
	got, _ := s.Load(ctx, 1, 10, LogFilter{})
	if len(got) != 5 || got[0].ID != "log-004" || got[4].ID != "log-000" {
		t.Fatalf("logs after replace = %d", len(got))
	}
	segs, _ := s.Segments()
	if len(segs) == 0 || segs[0] != segmentName(1) {
		t.Fatalf("segments = %v", segs)
	}

	if _, err := ReadLogs(strings.NewReader(`{"logs": 1}`)); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("bad backup err = %v", err)
	}
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	s := openTestLogStore(t, t.TempDir(), 0)

	empty, err := s.Statistics(ctx, LogFilter{})
	if err != nil || empty.Total != 0 || empty.Schedules == nil {
		t.Fatalf("empty stats = %+v, %v", empty, err)
	}

	runs := []struct {
		name    string
		success bool
		message string
		took    time.Duration
	}{
		{"nightly", true, "Sequence completed", time.Second},
		{"nightly", false, "Connection refused by host", 3 * time.Second},
		{"hourly", true, "Sequence completed", 2 * time.Second},
		{"hourly", false, "TimeoutError: command timed out after 5s", 4 * time.Second},
	}
	for i, r := range runs {
		l := makeLog(i, r.name, r.success, r.message)
		l.Duration = core.Duration(r.took)
		if err := s.Save(ctx, l); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	st, err := s.Statistics(ctx, LogFilter{})
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.Total != 4 || st.Succeeded != 2 || st.Failed != 2 || st.SuccessRate != 50 {
		t.Fatalf("counts = %+v", st)
	}
	if st.AverageDuration.Std() != 2500*time.Millisecond || st.MinDuration.Std() != time.Second ||
		st.MaxDuration.Std() != 4*time.Second || st.P95Duration.Std() != 4*time.Second {
		t.Fatalf("durations = avg %s min %s max %s p95 %s", st.AverageDuration, st.MinDuration, st.MaxDuration, st.P95Duration)
	}
	nightly := st.Schedules["nightly"]
	if nightly.Executions != 2 || nightly.SuccessRate != 50 || nightly.AverageDuration.Std() != 2*time.Second {
		t.Fatalf("nightly = %+v", nightly)
	}
	network, timeout := st.Errors[ErrorCategoryNetwork], st.Errors[ErrorCategoryTimeout]
	if len(st.Errors) != 2 || network.Count != 1 || network.Percentage != 50 || timeout.Count != 1 {
		t.Fatalf("errors = %+v", st.Errors)
	}
	if want := base.Add(3 * time.Minute); !timeout.LastOccurrence.Equal(want) {
		t.Fatalf("last timeout = %v, want %v", timeout.LastOccurrence, want)
	}
	if st.Daily["2025-06-02"] != 4 || st.Hourly[9] != 4 {
		t.Fatalf("trends = %v / %v", st.Daily, st.Hourly)
	}

	hourly, _ := s.Statistics(ctx, LogFilter{ScheduleName: "hourly"})
	if hourly.Total != 2 || len(hourly.Schedules) != 1 || len(hourly.Errors) != 1 {
		t.Fatalf("hourly stats = %+v", hourly)
	}
}

func TestErrorCategory(t *testing.T) {
	cases := map[string]string{
		"Network unreachable":                 ErrorCategoryNetwork,
		"TimeoutError: step exceeded 5s":      ErrorCategoryTimeout,
		"Access denied for clipboard":         ErrorCategoryPermission,
		"Window not found: Untitled":          ErrorCategoryNotFound,
		"CapabilityError: unsupported action": ErrorCategoryOther,
	}
	for msg, want := range cases {
		if got := errorCategory(msg); got != want {
			t.Errorf("errorCategory(%q) = %s, want %s", msg, got, want)
		}
	}
}
