// Package journal implements the append-only transaction log of spec
// §4.I: one JSON document per line, O_APPEND, fsync'd on every write,
// with an efficient backward-seeking Tail(n) for status reporting.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Entry is one journal record (spec §3
// `journal.Entry{TimestampUTC, Action, Status, Volume, Destination,
// BytesTransferred, DurationMS, ErrorKind, ErrorDetail, CorrelationID,
// Sequence}`).
type Entry struct {
	TimestampUTC     time.Time `json:"timestamp_utc"`
	Action           string    `json:"action"`
	Status           string    `json:"status"`
	Volume           string    `json:"volume"`
	Destination      string    `json:"destination"`
	BytesTransferred int64     `json:"bytes_transferred"`
	DurationMS       int64     `json:"duration_ms"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	ErrorDetail      string    `json:"error_detail,omitempty"`
	CorrelationID    string    `json:"correlation_id"`
	Sequence         int64     `json:"sequence"`
}

// Journal is an append-only writer plus backward-chunk reader over a
// single file.
type Journal struct {
	path string

	mu   sync.Mutex
	f    *os.File
	next int64
}

func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j := &Journal{path: path, f: f}
	seq, err := j.lastSequence()
	if err != nil {
		f.Close()
		return nil, err
	}
	j.next = seq + 1
	return j, nil
}

func (j *Journal) lastSequence() (int64, error) {
	entries, err := readTail(j.path, 1)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return -1, nil // so the first entry of an empty journal gets Sequence 0
	}
	return entries[len(entries)-1].Sequence, nil
}

// Append writes e as one line, filling Sequence and TimestampUTC if
// unset, and fsyncs before returning (spec §4.I: "durability over
// throughput; volumes are low-rate").
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.TimestampUTC.IsZero() {
		e.TimestampUTC = time.Now().UTC()
	}
	e.Sequence = j.next

	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	if _, err := j.f.Write(buf); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.next++
	return nil
}

// Record adapts Journal to pipeline.Recorder's narrower signature.
func (j *Journal) Record(ctx context.Context, action, status string, bytesTransferred int64, duration time.Duration, errKind, errDetail string) error {
	return j.Append(Entry{
		Action:           action,
		Status:           status,
		BytesTransferred: bytesTransferred,
		DurationMS:       duration.Milliseconds(),
		ErrorKind:        errKind,
		ErrorDetail:      errDetail,
	})
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// Tail returns the last n entries, oldest first.
func (j *Journal) Tail(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return readTail(j.path, n)
}

const tailChunkSize = 64 * 1024

// readTail seeks backward from the end of path in tailChunkSize chunks,
// splitting on newlines, until it has accumulated at least n complete
// lines or reached the start of the file (spec §4.I: "seeking backward
// in 64 KiB chunks and splitting on newlines").
func readTail(path string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	var lines [][]byte
	var carry []byte
	pos := size
	for pos > 0 && countNonEmpty(lines) < n {
		chunkLen := int64(tailChunkSize)
		if chunkLen > pos {
			chunkLen = pos
		}
		pos -= chunkLen
		buf := make([]byte, chunkLen)
		if _, err := f.ReadAt(buf, pos); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(buf, carry...)
		parts := bytes.Split(buf, []byte("\n"))
		// The first part may be a partial line continuing into the
		// previous (earlier-in-file) chunk; carry it forward.
		carry = parts[0]
		newLines := parts[1:]
		lines = append(newLines, lines...)
	}
	if len(carry) > 0 {
		lines = append([][]byte{carry}, lines...)
	}

	// Trim to the last n non-empty lines.
	var out []Entry
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: corrupt line: %w", err)
		}
		out = append(out, e)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func countNonEmpty(lines [][]byte) int {
	count := 0
	for _, l := range lines {
		if len(bytes.TrimSpace(l)) > 0 {
			count++
		}
	}
	return count
}

// All reads every entry in the journal, oldest first. Intended for
// small journals (such as in tests); large journals should use Tail.
func (j *Journal) All() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: corrupt line: %w", err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
