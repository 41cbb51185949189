package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// ResultLog appends result records to a JSON-lines file. Each record is a
// single write followed by fsync, so a crash can only lose the record being
// written.
type ResultLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool
}

// OpenResultLog opens (or creates) path for appending.
func OpenResultLog(path string) (*ResultLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open results: %w", err)
	}
	if err := trimTornTail(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &ResultLog{path: path, file: f}, nil
}

// trimTornTail cuts a final line left without its newline by a crash, so the
// next append starts on a line of its own.
func trimTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat results: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read results tail: %w", err)
		}
		if end == size && n > 0 && buf[n-1] == '\n' {
			return nil
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return truncateResults(f, start+int64(i)+1)
		}
		end = start
	}
	return truncateResults(f, 0)
}

func truncateResults(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("trim torn result: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync results: %w", err)
	}
	return nil
}

// Path returns the log location.
func (l *ResultLog) Path() string {
	return l.path
}

// Append implements crawler.ResultSink.
func (l *ResultLog) Append(_ context.Context, record crawler.ResultRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("append result: %w", os.ErrClosed)
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync results: %w", err)
	}
	return nil
}

// Close implements crawler.ResultSink.
func (l *ResultLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close results: %w", err)
	}
	return nil
}

// ReadResults loads every complete record from a results file. A torn final
// line, left by a crash mid-write, is ignored.
func ReadResults(path string) ([]crawler.ResultRecord, error) {
	f, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open results: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var out []crawler.ResultRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var pendingErr error
	for scanner.Scan() {
		if pendingErr != nil {
			return nil, pendingErr
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec crawler.ResultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			pendingErr = fmt.Errorf("decode result line %d: %w", len(out)+1, err)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return out, nil
}

// RecordedURLs lists the URLs that runID already has records for in the log
// at path. A missing log has none.
func RecordedURLs(path, runID string) ([]string, error) {
	records, err := ReadResults(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, rec := range records {
		if rec.RunID == runID {
			urls = append(urls, rec.URL)
		}
	}
	return urls, nil
}

// MultiSink writes every record to all sinks. The first failure is returned.
type MultiSink struct {
	sinks []crawler.ResultSink
}

// NewMultiSink fans records out to sinks.
func NewMultiSink(sinks ...crawler.ResultSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Append implements crawler.ResultSink.
func (m *MultiSink) Append(ctx context.Context, record crawler.ResultRecord) error {
	for _, s := range m.sinks {
		if err := s.Append(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// Close implements crawler.ResultSink, closing every sink.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
