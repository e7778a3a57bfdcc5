// Package audit maintains an append-only, hash-chained record of every
// state-changing operation. Each entry commits to its predecessor, so
// any later edit or deletion breaks the chain and is detectable.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrChainBroken is returned by Verify when an entry's hash or prev
// linkage does not match the recomputed chain.
var ErrChainBroken = errors.New("audit chain broken")

// Entry is one audit record as persisted to the log file.
type Entry struct {
	Hash     string         `json:"hash"`
	TS       string         `json:"ts"`
	Kind     string         `json:"kind"`
	EntityID string         `json:"entity_id"`
	Data     map[string]any `json:"data"`
	Prev     string         `json:"prev"`
}

// payload is the hashed portion of an entry, everything except the
// hash itself. encoding/json writes map and struct keys in a stable
// order, which gives us a canonical byte form to hash.
type payload struct {
	Data     map[string]any `json:"data"`
	EntityID string         `json:"entity_id"`
	Kind     string         `json:"kind"`
	Prev     string         `json:"prev"`
	TS       string         `json:"ts"`
}

func hashPayload(p payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal audit payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Log appends hash-chained entries to a JSONL file. The hash of the
// most recent entry is mirrored to a sidecar head file so a crash
// mid-append is detectable on reopen. A log whose chain fails
// verification is poisoned: every further Append returns ErrChainBroken
// until the artifact is repaired out of band and the log reopened.
type Log struct {
	mu       sync.Mutex
	path     string
	headPath string
	head     string
	broken   bool
	log      *zap.Logger
}

// Open prepares the audit log at path, creating parent directories as
// needed. The existing chain is replayed and verified before the head
// is trusted; a broken chain does not fail Open, but poisons the log so
// appending operations halt while reads keep working.
func Open(path string, log *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &Log{
		path:     path,
		headPath: path + ".head",
		log:      log,
	}
	if err := l.restoreHead(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) restoreHead() error {
	head, n, err := replayChain(l.path)
	if err != nil {
		if !errors.Is(err, ErrChainBroken) {
			return err
		}
		l.broken = true
		l.log.Error("audit chain broken at open, appends halted",
			zap.Error(err),
			zap.String("path", l.path))
		return nil
	}
	l.head = head

	raw, sideErr := os.ReadFile(l.headPath)
	switch {
	case sideErr == nil:
		if sidecar := strings.TrimSpace(string(raw)); sidecar != head {
			l.log.Warn("audit head sidecar disagreed with verified chain, rewriting",
				zap.String("sidecar", sidecar),
				zap.String("head", head))
			return l.writeHead(head)
		}
	case errors.Is(sideErr, os.ErrNotExist):
		if n > 0 {
			l.log.Info("recovered audit head from chain replay",
				zap.Int("entries", n),
				zap.String("head", head))
			return l.writeHead(head)
		}
	default:
		return fmt.Errorf("read audit head: %w", sideErr)
	}
	return nil
}

// Head returns the hash of the most recently appended entry, or the
// empty string for an empty log.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Append writes one entry linked to the current head and advances the
// head pointer. The entry is durable before Append returns. A poisoned
// log refuses every append with ErrChainBroken.
func (l *Log) Append(kind, entityID string, data map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken {
		return Entry{}, fmt.Errorf("refusing append: %w", ErrChainBroken)
	}

	p := payload{
		Data:     data,
		EntityID: entityID,
		Kind:     kind,
		Prev:     l.head,
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	hash, err := hashPayload(p)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Hash:     hash,
		TS:       p.TS,
		Kind:     kind,
		EntityID: entityID,
		Data:     data,
		Prev:     p.Prev,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync audit log: %w", err)
	}

	if err := l.writeHead(hash); err != nil {
		return Entry{}, err
	}
	l.head = hash
	return entry, nil
}

// writeHead replaces the sidecar atomically so a crash mid-write never
// leaves a torn head file.
func (l *Log) writeHead(hash string) error {
	tmp := l.headPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(hash+"\n"), 0o644); err != nil {
		return fmt.Errorf("write audit head: %w", err)
	}
	if err := os.Rename(tmp, l.headPath); err != nil {
		return fmt.Errorf("replace audit head: %w", err)
	}
	return nil
}

// ReadAll loads every entry from the log file without verifying it.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse audit entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

// Verify recomputes the full chain from the log file and reports the
// number of valid entries. A missing file verifies as an empty chain.
func Verify(path string) (int, error) {
	_, n, err := replayChain(path)
	return n, err
}

// Verify re-checks this log's chain on disk. A broken chain poisons the
// log, halting all further appends, in addition to returning the error.
func (l *Log) Verify() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := Verify(l.path)
	if errors.Is(err, ErrChainBroken) && !l.broken {
		l.broken = true
		l.log.Error("audit chain broken, appends halted",
			zap.Error(err),
			zap.String("path", l.path))
	}
	return n, err
}

// replayChain recomputes the chain and returns its head hash and length.
func replayChain(path string) (string, int, error) {
	entries, err := ReadAll(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}

	prev := ""
	for i, e := range entries {
		if e.Prev != prev {
			return prev, i, fmt.Errorf("%w: entry %d links to %q, want %q", ErrChainBroken, i+1, e.Prev, prev)
		}
		hash, err := hashPayload(payload{
			Data:     e.Data,
			EntityID: e.EntityID,
			Kind:     e.Kind,
			Prev:     e.Prev,
			TS:       e.TS,
		})
		if err != nil {
			return prev, i, err
		}
		if hash != e.Hash {
			return prev, i, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i+1)
		}
		prev = e.Hash
	}
	return prev, len(entries), nil
}
