package store

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deskcron/internal/core"
)

// DefaultRotateBytes is the segment size that triggers rotation.
const DefaultRotateBytes int64 = 100 << 20

const (
	segmentPrefix   = "segment-"
	segmentSuffix   = ".jsonl"
	defaultPageSize = 50
	maxPageSize     = 1000
)

// LogFilter narrows Load and Count. Zero fields match everything.
type LogFilter struct {
	ScheduleName string
	TaskID       string
	Success      *bool
	Day          string // YYYY-MM-DD in the execution's own time zone
	From         time.Time
	To           time.Time
}

// LogStore keeps execution logs in append-only JSON Lines segments with a
// sqlite index for paging, filtering and search. The highest-numbered segment
// is the active one; rotation only starts a new segment, so entries never move.
type LogStore struct {
	mu          sync.RWMutex
	dir         string
	segDir      string
	index       *sql.DB
	rotateBytes int64
	logger      *slog.Logger

	active     *os.File
	activeSeq  int
	activeSize int64
}

// OpenLogStore opens (or creates) the log store under dir. A missing or empty
// index over existing segments is rebuilt.
func OpenLogStore(ctx context.Context, dir string, rotateBytes int64, logger *slog.Logger) (*LogStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rotateBytes <= 0 {
		rotateBytes = DefaultRotateBytes
	}
	segDir := filepath.Join(dir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure log dir: %w", err)
	}
	index, err := openSQLite(ctx, filepath.Join(dir, "index.sqlite"))
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, index, logIndexMigrations); err != nil {
		index.Close()
		return nil, err
	}
	s := &LogStore{
		dir:         dir,
		segDir:      segDir,
		index:       index,
		rotateBytes: rotateBytes,
		logger:      logger,
	}
	seqs, err := s.segments()
	if err != nil {
		index.Close()
		return nil, err
	}
	seq := 1
	if len(seqs) > 0 {
		seq = seqs[len(seqs)-1]
	}
	if err := s.openActive(seq); err != nil {
		index.Close()
		return nil, err
	}

	var indexed int
	if err := index.QueryRowContext(ctx, `SELECT COUNT(1) FROM log_index`).Scan(&indexed); err != nil {
		s.Close()
		return nil, fmt.Errorf("count index: %w", err)
	}
	if indexed == 0 && s.hasData(seqs) {
		logger.Warn("log index empty, rebuilding from segments")
		if _, err := s.RebuildIndex(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	if n, err := s.indexTail(ctx); err != nil {
		s.Close()
		return nil, err
	} else if n > 0 {
		logger.Warn("indexed log lines missing from the index", "segment", segmentName(s.activeSeq), "entries", n)
	}
	return s, nil
}

// indexTail indexes the lines of the active segment past its last indexed
// entry, left behind when the process stopped between append and index. A
// torn final line is terminated so later appends start on a line of their own.
func (s *LogStore) indexTail(ctx context.Context) (int, error) {
	segment := segmentName(s.activeSeq)
	var end int64
	if err := s.index.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(byte_offset + byte_length + 1), 0) FROM log_index WHERE segment = ?`, segment,
	).Scan(&end); err != nil {
		return 0, fmt.Errorf("find indexed end: %w", err)
	}
	if end >= s.activeSize {
		return 0, nil
	}
	path := filepath.Join(s.segDir, segment)
	last := make([]byte, 1)
	if err := readAt(path, last, s.activeSize-1); err != nil {
		return 0, err
	}
	if last[0] != '\n' {
		n, err := s.active.Write([]byte{'\n'})
		s.activeSize += int64(n)
		if err != nil {
			return 0, fmt.Errorf("terminate torn line: %w", err)
		}
	}
	indexed, skipped, err := indexSegment(ctx, s.index, path, segment, end)
	if skipped > 0 {
		s.logger.Warn("skipped undecodable log lines", "segment", segment, "lines", skipped)
	}
	return indexed, err
}

func readAt(path string, buf []byte, offset int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()
	if _, err := f.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("read %s@%d: %w", filepath.Base(path), offset, err)
	}
	return nil
}

// Close closes the active segment and the index.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.active != nil {
		errs = append(errs, s.active.Close())
		s.active = nil
	}
	errs = append(errs, s.index.Close())
	return errors.Join(errs...)
}

// Save appends log to the active segment and indexes it. Saving an id that
// is already indexed points the index at the newest copy.
func (s *LogStore) Save(ctx context.Context, log *core.ExecutionLog) error {
	if log.ID == "" {
		log.ID = core.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return errors.New("log store closed")
	}
	return s.appendLocked(ctx, log)
}

func (s *LogStore) appendLocked(ctx context.Context, log *core.ExecutionLog) error {
	line, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode log: %w", err)
	}
	line = append(line, '\n')
	if s.activeSize > 0 && s.activeSize+int64(len(line)) > s.rotateBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	offset := s.activeSize
	n, err := s.active.Write(line)
	s.activeSize += int64(n)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return insertIndex(ctx, s.index, log, segmentName(s.activeSeq), offset, int64(len(line)-1))
}

// Replace discards every segment and index entry and stores logs in their
// place, oldest first. It returns the number of stored logs.
func (s *LogStore) Replace(ctx context.Context, logs []core.ExecutionLog) (int, error) {
	sorted := make([]core.ExecutionLog, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExecutionTime.Before(sorted[j].ExecutionTime)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0, errors.New("log store closed")
	}
	seqs, err := s.segments()
	if err != nil {
		return 0, err
	}
	if _, err := s.index.ExecContext(ctx, `DELETE FROM log_index`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}
	s.active.Close()
	s.active = nil
	for _, seq := range seqs {
		if err := os.Remove(filepath.Join(s.segDir, segmentName(seq))); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove segment: %w", err)
		}
	}
	if err := s.openActive(1); err != nil {
		return 0, err
	}
	for i := range sorted {
		if sorted[i].ID == "" {
			sorted[i].ID = core.NewID()
		}
		if err := s.appendLocked(ctx, &sorted[i]); err != nil {
			return i, err
		}
	}
	s.logger.Info("logs replaced", "entries", len(sorted), "removed_segments", len(seqs))
	return len(sorted), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertIndex(ctx context.Context, db execer, log *core.ExecutionLog, segment string, offset, length int64) error {
	success := 0
	if log.Result.Success {
		success = 1
	}
	category := ""
	if !log.Result.Success {
		category = errorCategory(log.Result.Message)
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO log_index
			(id, segment, byte_offset, byte_length, exec_ns, day, hour, schedule_name, task_id, success,
			 operation, search_text, duration_ns, error_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, segment, offset, length, log.ExecutionTime.UnixNano(), log.ExecutionTime.Format(time.DateOnly),
		log.ExecutionTime.Hour(), log.ScheduleName, log.TaskID, success, log.Result.Operation, searchText(log),
		int64(log.Duration), category)
	if err != nil {
		return fmt.Errorf("index log %s: %w", log.ID, err)
	}
	return nil
}

func searchText(log *core.ExecutionLog) string {
	return strings.ToLower(strings.Join([]string{
		log.ScheduleName, log.Result.Message, log.Result.Operation, log.Result.Target, log.TaskID,
	}, "\n"))
}

// Load returns one page (1-based) of logs, newest first.
func (s *LogStore) Load(ctx context.Context, page, pageSize int, filter LogFilter) ([]core.ExecutionLog, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	where, args := filter.clause()
	args = append(args, pageSize, (page-1)*pageSize)
	return s.fetch(ctx, `
		SELECT segment, byte_offset, byte_length FROM log_index`+where+`
		ORDER BY exec_ns DESC, seq DESC
		LIMIT ? OFFSET ?
	`, args...)
}

// Count returns the number of indexed logs matching filter.
func (s *LogStore) Count(ctx context.Context, filter LogFilter) (int, error) {
	where, args := filter.clause()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.index.QueryRowContext(ctx, `SELECT COUNT(1) FROM log_index`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

// All returns every log matching filter, newest first.
func (s *LogStore) All(ctx context.Context, filter LogFilter) ([]core.ExecutionLog, error) {
	var out []core.ExecutionLog
	for page := 1; ; page++ {
		batch, err := s.Load(ctx, page, maxPageSize, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < maxPageSize {
			return out, nil
		}
	}
}

func (f LogFilter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.ScheduleName != "" {
		conds = append(conds, "schedule_name = ?")
		args = append(args, f.ScheduleName)
	}
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Success != nil {
		v := 0
		if *f.Success {
			v = 1
		}
		conds = append(conds, "success = ?")
		args = append(args, v)
	}
	if f.Day != "" {
		conds = append(conds, "day = ?")
		args = append(args, f.Day)
	}
	if !f.From.IsZero() {
		conds = append(conds, "exec_ns >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		conds = append(conds, "exec_ns < ?")
		args = append(args, f.To.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Search returns logs matching every term of query, newest first. Quoted
// phrases match as a whole; matching is case-insensitive. An empty query
// returns the most recent logs. limit <= 0 selects the maximum page size.
func (s *LogStore) Search(ctx context.Context, query string, limit int) ([]core.ExecutionLog, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	terms := parseQuery(query)
	var conds []string
	var args []any
	for _, term := range terms {
		conds = append(conds, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	return s.fetch(ctx, `
		SELECT segment, byte_offset, byte_length FROM log_index`+where+`
		ORDER BY exec_ns DESC, seq DESC
		LIMIT ?
	`, args...)
}

// parseQuery splits a query into lowercased terms, keeping quoted phrases together.
func parseQuery(query string) []string {
	var terms []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			terms = append(terms, strings.ToLower(t))
		}
		cur.Reset()
	}
	for _, r := range query {
		switch {
		case r == '"':
			flush()
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return terms
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type entryRef struct {
	segment string
	offset  int64
	length  int64
}

func (s *LogStore) fetch(ctx context.Context, query string, args ...any) ([]core.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.index.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log index: %w", err)
	}
	var refs []entryRef
	for rows.Next() {
		var ref entryRef
		if err := rows.Scan(&ref.segment, &ref.offset, &ref.length); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan log index: %w", err)
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.readEntries(refs)
}

func (s *LogStore) readEntries(refs []entryRef) ([]core.ExecutionLog, error) {
	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	out := make([]core.ExecutionLog, 0, len(refs))
	for _, ref := range refs {
		f, ok := files[ref.segment]
		if !ok {
			var err error
			f, err = os.Open(filepath.Join(s.segDir, ref.segment))
			if err != nil {
				return nil, fmt.Errorf("open segment: %w", err)
			}
			files[ref.segment] = f
		}
		buf := make([]byte, ref.length)
		if _, err := f.ReadAt(buf, ref.offset); err != nil {
			return nil, fmt.Errorf("read %s@%d: %w", ref.segment, ref.offset, err)
		}
		var entry core.ExecutionLog
		if err := json.Unmarshal(buf, &entry); err != nil {
			return nil, fmt.Errorf("decode %s@%d: %w", ref.segment, ref.offset, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Rotate closes the active segment and starts a new one. It is a no-op when
// the active segment is empty. It returns the active segment name.
func (s *LogStore) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSize > 0 {
		if err := s.rotateLocked(); err != nil {
			return "", err
		}
	}
	return segmentName(s.activeSeq), nil
}

func (s *LogStore) rotateLocked() error {
	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	s.active = nil
	prev := s.activeSeq
	if err := s.openActive(prev + 1); err != nil {
		return err
	}
	s.logger.Info("log segment rotated", "closed", segmentName(prev), "active", segmentName(s.activeSeq))
	return nil
}

// Segments lists segment file names, oldest first.
func (s *LogStore) Segments() ([]string, error) {
	seqs, err := s.segments()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(seqs))
	for i, seq := range seqs {
		names[i] = segmentName(seq)
	}
	return names, nil
}

func (s *LogStore) segments() ([]int, error) {
	entries, err := os.ReadDir(s.segDir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var seqs []int
	for _, e := range entries {
		var seq int
		if e.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), segmentPrefix+"%06d"+segmentSuffix, &seq); err != nil {
			continue
		}
		if e.Name() != segmentName(seq) {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func (s *LogStore) hasData(seqs []int) bool {
	for _, seq := range seqs {
		if info, err := os.Stat(filepath.Join(s.segDir, segmentName(seq))); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

func segmentName(seq int) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, seq, segmentSuffix)
}

func (s *LogStore) openActive(seq int) error {
	f, err := os.OpenFile(filepath.Join(s.segDir, segmentName(seq)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat segment: %w", err)
	}
	s.active = f
	s.activeSeq = seq
	s.activeSize = info.Size()
	return nil
}

// DeleteBefore removes logs executed before cutoff. Segments left without
// entries are deleted and partially expired segments are compacted.
func (s *LogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched, err := s.segmentsWhere(ctx, `SELECT DISTINCT segment FROM log_index WHERE exec_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	res, err := s.index.ExecContext(ctx, `DELETE FROM log_index WHERE exec_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired logs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	for _, segment := range touched {
		if err := s.compactLocked(ctx, segment); err != nil {
			return int(removed), err
		}
	}
	return int(removed), nil
}

func (s *LogStore) segmentsWhere(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.index.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// compactLocked rewrites segment with only its still-indexed entries, or
// removes it when none remain.
func (s *LogStore) compactLocked(ctx context.Context, segment string) error {
	rows, err := s.index.QueryContext(ctx,
		`SELECT seq, byte_offset, byte_length FROM log_index WHERE segment = ? ORDER BY byte_offset`, segment)
	if err != nil {
		return fmt.Errorf("query segment entries: %w", err)
	}
	type kept struct {
		seq            int64
		offset, length int64
	}
	var entries []kept
	for rows.Next() {
		var k kept
		if err := rows.Scan(&k.seq, &k.offset, &k.length); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.segDir, segment)
	isActive := segment == segmentName(s.activeSeq)
	if len(entries) == 0 && !isActive {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment: %w", err)
		}
		s.logger.Info("log segment removed", "segment", segment)
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	tmpPath := path + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		src.Close()
		return fmt.Errorf("create compacted segment: %w", err)
	}
	w := bufio.NewWriter(dst)
	newOffsets := make([]int64, len(entries))
	var pos int64
	for i, e := range entries {
		buf := make([]byte, e.length)
		if _, err := src.ReadAt(buf, e.offset); err != nil {
			src.Close()
			dst.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("read %s@%d: %w", segment, e.offset, err)
		}
		newOffsets[i] = pos
		w.Write(buf)
		w.WriteByte('\n')
		pos += e.length + 1
	}
	src.Close()
	if err := w.Flush(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write compacted segment: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync compacted segment: %w", err)
	}
	dst.Close()

	if isActive {
		s.active.Close()
		s.active = nil
	}
	renameErr := os.Rename(tmpPath, path)
	if renameErr != nil {
		os.Remove(tmpPath)
		if isActive {
			if err := s.openActive(s.activeSeq); err != nil {
				return errors.Join(renameErr, err)
			}
		}
		return fmt.Errorf("replace segment: %w", renameErr)
	}
	if isActive {
		if err := s.openActive(s.activeSeq); err != nil {
			return err
		}
	}

	tx, err := s.index.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin offset update: %w", err)
	}
	defer tx.Rollback()
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, `UPDATE log_index SET byte_offset = ? WHERE seq = ?`, newOffsets[i], e.seq); err != nil {
			return fmt.Errorf("update offset: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit offset update: %w", err)
	}
	s.logger.Info("log segment compacted", "segment", segment, "entries", len(entries))
	return nil
}

// RebuildIndex discards the index and rescans every segment. Lines that do not
// decode are skipped. It returns the number of indexed entries.
func (s *LogStore) RebuildIndex(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs, err := s.segments()
	if err != nil {
		return 0, err
	}
	tx, err := s.index.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM log_index`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}
	indexed, skipped := 0, 0
	for _, seq := range seqs {
		n, bad, err := indexSegment(ctx, tx, filepath.Join(s.segDir, segmentName(seq)), segmentName(seq), 0)
		if err != nil {
			return 0, err
		}
		indexed += n
		skipped += bad
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped undecodable log lines during rebuild", "lines", skipped)
	}
	s.logger.Info("log index rebuilt", "entries", indexed, "segments", len(seqs))
	return indexed, nil
}

func indexSegment(ctx context.Context, db execer, path, segment string, from int64) (indexed, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("seek segment: %w", err)
	}
	r := bufio.NewReader(f)
	offset := from
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimRight(line, "\n")
			var entry core.ExecutionLog
			if len(bytes.TrimSpace(trimmed)) > 0 {
				if err := json.Unmarshal(trimmed, &entry); err != nil || entry.ID == "" {
					skipped++
				} else if err := insertIndex(ctx, db, &entry, segment, offset, int64(len(trimmed))); err != nil {
					return indexed, skipped, err
				} else {
					indexed++
				}
			}
			offset += int64(len(line))
		}
		if readErr == io.EOF {
			return indexed, skipped, nil
		}
		if readErr != nil {
			return indexed, skipped, fmt.Errorf("read segment %s: %w", segment, readErr)
		}
	}
}
