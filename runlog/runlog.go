// Package runlog reads and writes runs.jsonl, the append-only NDJSON summary
// of finished runs kept at the root of the complete bucket.
package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/concourse/conveyor/fsutil"
)

// Summary is one line of runs.jsonl.
type Summary struct {
	ID                 string   `json:"id"`
	FinishedAt         string   `json:"finishedAt"`
	Tasks              int      `json:"tasks"`
	TotalTimeMs        int64    `json:"totalTimeMs"`
	RefinementAttempts int      `json:"refinementAttempts"`
	FinalArtifacts     []string `json:"finalArtifacts"`
}

// Validate checks that all required Summary fields are present.
func (s *Summary) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.FinishedAt == "" {
		return fmt.Errorf("finishedAt is required")
	}
	if _, err := time.Parse(time.RFC3339, s.FinishedAt); err != nil {
		return fmt.Errorf("invalid finishedAt %q: %w", s.FinishedAt, err)
	}
	if s.Tasks < 0 {
		return fmt.Errorf("tasks must not be negative")
	}
	return nil
}

// Append validates the summary and appends it as one JSON line.
func Append(path string, s Summary) error {
	if s.FinishedAt == "" {
		s.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid run summary: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return fsutil.AppendLine(path, data)
}

// Reader reads run summaries from NDJSON.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// Read returns the next summary. Returns io.EOF when done.
func (rr *Reader) Read() (*Summary, error) {
	for rr.scanner.Scan() {
		rr.line++
		text := rr.scanner.Text()
		if text == "" {
			continue
		}
		var s Summary
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", rr.line, err)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", rr.line, err)
		}
		return &s, nil
	}
	if err := rr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
