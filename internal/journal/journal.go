package journal

// ============================================================================
// Journal Core
// Responsibilities:
// 1. Append one JSON line per batch event (append-only, fsync per record)
// 2. Replay the file to rebuild a BatchResult after the fact
// 3. Detect tampering or corruption through per-record checksums
//
// File: <log_dir>/<batch-id>/journal.jsonl
//
//   {"seq":1,"type":"BATCH_START","batch_id":"…","planned":4,…}
//   {"seq":2,"type":"UNIT","batch_id":"…","result":{"index":0,…},…}
//   {"seq":5,"type":"BATCH_END","batch_id":"…",…}
//
// A process killed mid-write can leave a torn final line without a trailing
// newline; replay ignores it. Any other undecodable line is corruption.
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal is an open, append-only batch journal.
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	path    string
	batchID string
	seq     uint64
	closed  bool
	now     func() time.Time
}

// Open creates or reopens the journal at path. When the file already holds
// events, numbering continues after the last one.
func Open(path, batchID string) (*Journal, error) {
	var seq uint64
	if last, err := GetLastEvent(path); err == nil && last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{
		file:    file,
		path:    path,
		batchID: batchID,
		seq:     seq,
		now:     time.Now,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Start records the beginning of the batch and the number of planned units.
func (j *Journal) Start(planned int) error {
	return j.append(Event{Type: EventBatchStart, Planned: planned})
}

// Record appends a unit outcome.
func (j *Journal) Record(result types.UnitResult) error {
	r := result
	return j.append(Event{Type: EventUnit, Result: &r})
}

// Finish records the end of the batch.
func (j *Journal) Finish() error {
	return j.append(Event{Type: EventBatchEnd})
}

// GetLastSeq returns the sequence number of the last appended event.
func (j *Journal) GetLastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the file. A closed journal rejects appends.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	return j.file.Close()
}

func (j *Journal) append(event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	event.Seq = j.seq + 1
	event.BatchID = j.batchID
	event.Timestamp = j.now().UnixMilli()
	sum, err := CalculateChecksum(event)
	if err != nil {
		return fmt.Errorf("checksum journal event: %w", err)
	}
	event.Checksum = sum

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.seq = event.Seq
	return nil
}

// Replay reads every event in path in order, verifies its checksum and hands
// it to handler. It stops at the first error.
func Replay(path string, handler EventHandler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return replay(f, handler)
}

func replay(r io.Reader, handler EventHandler) error {
	reader := bufio.NewReader(r)
	for line := 1; ; line++ {
		raw, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		torn := err == io.EOF // no trailing newline
		trimmed := bytes.TrimSpace(raw)

		if len(trimmed) > 0 {
			var event Event
			if decodeErr := json.Unmarshal(trimmed, &event); decodeErr != nil {
				if torn {
					return nil
				}
				return &CorruptionError{Line: line, Cause: decodeErr}
			}
			if err := VerifyChecksum(event); err != nil {
				return err
			}
			if err := handler(event); err != nil {
				return err
			}
		}
		if torn {
			return nil
		}
	}
}

// Load replays path into a BatchResult sorted by enumeration index.
func Load(path string) (*types.BatchResult, error) {
	result := &types.BatchResult{}
	err := Replay(path, func(e Event) error {
		if result.BatchID == "" {
			result.BatchID = e.BatchID
		} else if e.BatchID != result.BatchID {
			return fmt.Errorf("%w: seq %d belongs to batch %s, want %s", ErrCorruptedJournal, e.Seq, e.BatchID, result.BatchID)
		}
		ts := time.UnixMilli(e.Timestamp)
		switch e.Type {
		case EventBatchStart:
			if result.StartedAt.IsZero() {
				result.StartedAt = ts
			}
		case EventUnit:
			if e.Result == nil {
				return fmt.Errorf("%w: seq %d has no result", ErrCorruptedJournal, e.Seq)
			}
			result.Append(*e.Result)
		case EventBatchEnd:
			result.FinishedAt = ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Sort()
	return result, nil
}

// GetLastEvent scans path and returns its last valid event, or nil when the
// file is empty or missing.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := Replay(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return last, err
	}
	return last, nil
}

// CountEvents returns the number of valid events in path.
func CountEvents(path string) (int, error) {
	n := 0
	err := Replay(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}
