// Package audit keeps the agent's local, tamper-evident record of every
// tweak application, rollback and failed audit report.
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
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/config"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("journal")

// Event types written to the journal.
const (
	EventTweakApplied    = "tweak_applied"
	EventTweakRolledBack = "tweak_rolled_back"
	EventReportFailed    = "audit_report_failed"
	EventElevatedRequest = "elevated_request"
	EventAgentStart      = "agent_start"
	EventAgentStop       = "agent_stop"
	EventJournalRotated  = "journal_rotated"
)

const (
	genesisHash           = "genesis"
	chainBrokenHash       = "chain-broken"
	journalFileName       = "journal.jsonl"
	defaultJournalMaxMB   = 50
	defaultJournalBackups = 3
	maxJournalLineBytes   = 1 << 20
)

// syncedEvents are fsynced after writing; losing them in a crash would hide
// a change that was made to the machine.
var syncedEvents = map[string]bool{
	EventTweakApplied:    true,
	EventTweakRolledBack: true,
	EventElevatedRequest: true,
	EventAgentStart:      true,
	EventAgentStop:       true,
}

// ErrChainBroken is returned by VerifyFile when an entry does not link to its
// predecessor or its hash does not match its content.
var ErrChainBroken = errors.New("journal hash chain broken")

// Entry is a single journal record.
type Entry struct {
	Timestamp     string         `json:"timestamp"`
	EventType     string         `json:"eventType"`
	TweakID       string         `json:"tweakId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	PrevHash      string         `json:"prevHash"`
	EntryHash     string         `json:"entryHash"`
}

// Journal writes JSONL entries linked by a SHA-256 hash chain. When the file
// rotates, the first record of the new file is a journal_rotated entry whose
// prevHash is the last hash of the old file. A reopened journal continues
// the chain from the last entry on disk.
type Journal struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	now        func() time.Time
}

// Open opens {dir}/journal.jsonl, creating dir when needed. An empty dir
// uses config.GetDataDir().
func Open(dir string, cfg *config.Config) (*Journal, error) {
	if dir == "" {
		dir = config.GetDataDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	maxSize, maxBackups := defaultJournalMaxMB, defaultJournalBackups
	if cfg != nil {
		if cfg.JournalMaxSizeMB > 0 {
			maxSize = cfg.JournalMaxSizeMB
		}
		if cfg.JournalMaxBackups > 0 {
			maxBackups = cfg.JournalMaxBackups
		}
	}

	j := &Journal{
		filePath:   filepath.Join(dir, journalFileName),
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
		now:        time.Now,
	}
	if last, err := lastHash(j.filePath); err != nil {
		log.Warn("journal tail unreadable, starting a new chain", logging.KeyError, err)
	} else if last != "" {
		j.prevHash = last
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}

	log.Info("journal opened", "path", j.filePath)
	return j, nil
}

// Path returns the active journal file.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.filePath
}

// Record appends one entry. The chain only advances after a successful
// write, so a failed write leaves no gap. Safe on a nil receiver.
func (j *Journal) Record(eventType, tweakID, correlationID string, details map[string]any) {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Timestamp:     j.now().UTC().Format(time.RFC3339Nano),
		EventType:     eventType,
		TweakID:       tweakID,
		CorrelationID: correlationID,
		Details:       details,
		PrevHash:      j.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode journal entry", logging.KeyError, err, "eventType", eventType)
		j.dropped.Add(1)
		return
	}

	if j.written+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			log.Error("journal rotation failed", logging.KeyError, err)
			j.dropped.Add(1)
			return
		}
		entry.PrevHash = j.prevHash
		if data, err = seal(&entry); err != nil {
			j.dropped.Add(1)
			return
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		log.Error("failed to write journal entry", logging.KeyError, err, "eventType", eventType)
		j.dropped.Add(1)
		return
	}
	j.written += int64(n)
	j.prevHash = entry.EntryHash

	if syncedEvents[eventType] {
		if err := j.file.Sync(); err != nil {
			log.Error("journal fsync failed", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// RecordLog journals a finished application log.
func (j *Journal) RecordLog(l tweak.ApplicationLog) {
	details := map[string]any{
		"commandType":     string(l.CommandType),
		"deviceId":        l.DeviceID,
		"success":         l.Success,
		"reasonCode":      l.ReasonCode,
		"executionTimeMs": l.ExecutionTimeMs,
	}
	if l.Error != "" {
		details["error"] = l.Error
	}
	if l.BeforeState != "" {
		details["beforeState"] = l.BeforeState
	}
	if l.AfterState != "" {
		details["afterState"] = l.AfterState
	}
	if l.PolicyDecision != nil {
		details["policyDecision"] = l.PolicyDecision.Decision
	}
	j.Record(EventTweakApplied, l.TweakID, l.CorrelationID, details)
}

// RecordReportFailure journals an audit report that reached neither endpoint,
// keeping the full log so it can be replayed later.
func (j *Journal) RecordReportFailure(l tweak.ApplicationLog, reason, message string) {
	payload, err := json.Marshal(l)
	if err != nil {
		payload = []byte(tweak.ErrorState(err))
	}
	j.Record(EventReportFailed, l.TweakID, l.CorrelationID, map[string]any{
		"reason":  reason,
		"message": message,
		"log":     string(payload),
	})
}

// Close closes the journal file. Safe on a nil receiver.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1 when
// the journal is nil so "not available" differs from "no drops".
func (j *Journal) DroppedCount() int64 {
	if j == nil {
		return -1
	}
	return j.dropped.Load()
}

// seal computes the entry hash and returns the encoded line.
func seal(entry *Entry) ([]byte, error) {
	h, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = h
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations
// produce the same hash input.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.TweakID, entry.CorrelationID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.written = info.Size()
	return nil
}

func (j *Journal) rotate() error {
	linkHash := j.prevHash

	if j.file != nil {
		j.file.Close()
	}

	for i := j.maxBackups; i >= 2; i-- {
		src, dst := j.backupName(i-1), j.backupName(i)
		if i == j.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("journal rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("journal rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(j.filePath, j.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("journal rotation: failed to rename current file", logging.KeyError, err)
	}

	if err := j.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: j.now().UTC().Format(time.RFC3339Nano),
		EventType: EventJournalRotated,
		PrevHash:  linkHash,
		Details:   map[string]any{"previousFile": j.backupName(1)},
	}
	data, err := seal(&sentinel)
	if err == nil {
		var n int
		n, err = j.file.Write(data)
		j.written += int64(n)
	}
	if err != nil {
		// The rotation itself worked; only the cross-file link is lost.
		log.Error("journal rotation entry failed, hash chain broken", logging.KeyError, err)
		j.dropped.Add(1)
		j.prevHash = chainBrokenHash
		return nil
	}
	j.prevHash = sentinel.EntryHash
	return nil
}

func (j *Journal) backupName(index int) string {
	if index == 0 {
		return j.filePath
	}
	return fmt.Sprintf("%s.%d", j.filePath, index)
}

// lastHash returns the entryHash of the final line in path, or "" when the
// file is missing or empty.
func lastHash(path string) (string, error) {
	entries, err := ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].EntryHash, nil
}

// ReadFile decodes every entry in a journal file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxJournalLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// VerifyFile recomputes every hash in path and checks each entry links to the
// one before it. The first entry may link to anything (genesis, a rotated
// predecessor or a reopened chain). It returns the number of entries checked.
func VerifyFile(path string) (int, error) {
	entries, err := ReadFile(path)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		want, err := computeHash(e)
		if err != nil {
			return i, err
		}
		if want != e.EntryHash {
			return i, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		if i > 0 && e.PrevHash != entries[i-1].EntryHash {
			return i, fmt.Errorf("%w: entry %d does not link to entry %d", ErrChainBroken, i, i-1)
		}
	}
	return len(entries), nil
}
