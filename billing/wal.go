package billing

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"
)

// SchemaVersion is bumped whenever the Envelope payload shape changes in a
// way that is not backward compatible with existing WAL files.
const SchemaVersion = 1

// Envelope is the on-disk/WAL representation of a single state change.
// Checksum is a CRC32 over the
// serialized Payload so replay can detect corruption.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	EventType      string          `json:"event_type"`
	BillingEntryID string          `json:"billing_entry_id"`
	CorrelationID  string          `json:"correlation_id"`
	Payload        json.RawMessage `json:"payload"`
	Checksum       uint32          `json:"checksum"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload and stamps it with a checksum.
func NewEnvelope(eventType, billingEntryID, correlationID string, payload interface{}) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("billing: marshal wal payload: %w", err)
	}
	return Envelope{
		SchemaVersion:  SchemaVersion,
		EventType:      eventType,
		BillingEntryID: billingEntryID,
		CorrelationID:  correlationID,
		Payload:        b,
		Checksum:       crc32.ChecksumIEEE(b),
		Timestamp:      time.Now().UTC(),
	}, nil
}

// VerifyChecksum recomputes the CRC32 over Payload and compares it to the
// stored Checksum.
func (e Envelope) VerifyChecksum() bool {
	return crc32.ChecksumIEEE(e.Payload) == e.Checksum
}

// WAL is the append-only write-ahead log every state transition is recorded
// to before in-memory state mutates. Replay reconstructs the envelope
// sequence after a crash.
type WAL interface {
	Append(ctx context.Context, env Envelope) (offset int64, err error)
	Replay(ctx context.Context) ([]Envelope, error)
}

// MemoryWAL is an in-process WAL, useful for tests and for single-node
// deployments that accept losing the log across restarts.
type MemoryWAL struct {
	mu      sync.Mutex
	entries []Envelope
}

func NewMemoryWAL() *MemoryWAL { return &MemoryWAL{} }

func (w *MemoryWAL) Append(_ context.Context, env Envelope) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	offset := int64(len(w.entries))
	w.entries = append(w.entries, env)
	return offset, nil
}

func (w *MemoryWAL) Replay(_ context.Context) ([]Envelope, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Envelope, len(w.entries))
	copy(out, w.entries)
	return out, nil
}

// FileWAL appends newline-delimited JSON envelopes to a file, fsyncing
// after every write so a crash between WAL append and the in-memory
// mutation it guards can always be replayed on restart.
type FileWAL struct {
	mu     sync.Mutex
	f      *os.File
	offset int64
}

// OpenFileWAL opens (creating if necessary) the WAL file at path and
// determines the next append offset from however many lines already exist.
func OpenFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("billing: open wal file: %w", err)
	}
	w := &FileWAL{f: f}
	existing, err := w.Replay(context.Background())
	if err != nil {
		return nil, err
	}
	w.offset = int64(len(existing))
	return w, nil
}

func (w *FileWAL) Append(_ context.Context, env Envelope) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	env.SchemaVersion = SchemaVersion
	b, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("billing: marshal wal envelope: %w", err)
	}
	offset := w.offset
	if _, err := w.f.Write(append(b, '\n')); err != nil {
		return 0, fmt.Errorf("billing: write wal: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return 0, fmt.Errorf("billing: fsync wal: %w", err)
	}
	w.offset++
	return offset, nil
}

func (w *FileWAL) Replay(_ context.Context) ([]Envelope, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("billing: seek wal: %w", err)
	}
	var out []Envelope
	scanner := bufio.NewScanner(w.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			return nil, fmt.Errorf("billing: corrupt wal line: %w", err)
		}
		if !env.VerifyChecksum() {
			return nil, fmt.Errorf("billing: wal checksum mismatch for %s/%s", env.BillingEntryID, env.EventType)
		}
		out = append(out, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("billing: scan wal: %w", err)
	}
	if _, err := w.f.Seek(0, 2); err != nil {
		return nil, fmt.Errorf("billing: seek wal end: %w", err)
	}
	return out, nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
