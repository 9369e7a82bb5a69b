package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.Record(EventAgentStart, "", "", nil)
	j.RecordLog(tweak.ApplicationLog{TweakID: "t"})
	if err := j.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := j.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestRecordStartsAtGenesisAndLinks(t *testing.T) {
	j := newTestJournal(t)
	j.Record(EventAgentStart, "", "", map[string]any{"version": "1.0"})
	j.Record(EventTweakApplied, "tweak-1", "corr-1", map[string]any{"success": true})
	j.Record(EventReportFailed, "tweak-1", "corr-1", nil)
	j.Close()

	entries := readEntries(t, j.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("entry[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}
	if entries[1].CorrelationID != "corr-1" || entries[1].TweakID != "tweak-1" {
		t.Fatalf("entry[1] ids = %q/%q", entries[1].TweakID, entries[1].CorrelationID)
	}
	if n, err := VerifyFile(j.filePath); err != nil || n != 3 {
		t.Fatalf("VerifyFile = %d, %v", n, err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j.Record(EventAgentStart, "", "", nil)
	j.Close()

	j2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	j2.Record(EventAgentStop, "", "", nil)
	j2.Close()

	entries := readEntries(t, j2.Path())
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].PrevHash != entries[0].EntryHash {
		t.Fatal("reopened journal did not continue the chain")
	}
}

func TestVerifyFileDetectsTampering(t *testing.T) {
	j := newTestJournal(t)
	j.Record(EventTweakApplied, "tweak-1", "", map[string]any{"reasonCode": "applied"})
	j.Record(EventTweakApplied, "tweak-2", "", map[string]any{"reasonCode": "applied"})
	j.Close()

	data, err := os.ReadFile(j.filePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), "tweak-2", "tweak-9", 1)
	if err := os.WriteFile(j.filePath, []byte(tampered), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = VerifyFile(j.filePath)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("VerifyFile error = %v, want ErrChainBroken", err)
	}
}

func TestRotationLinksAcrossFiles(t *testing.T) {
	j := newTestJournal(t)
	j.maxSize = 300

	for i := 0; i < 10; i++ {
		j.Record(EventTweakApplied, "tweak-x", "", map[string]any{"i": i})
	}
	j.Close()

	entries := readEntries(t, j.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries after rotation")
	}
	if entries[0].EventType != EventJournalRotated {
		t.Fatalf("first entry = %q, want %q", entries[0].EventType, EventJournalRotated)
	}
	backup := readEntries(t, j.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatal("rotation entry does not link to the last backup entry")
	}
	if _, err := VerifyFile(j.filePath); err != nil {
		t.Fatalf("VerifyFile after rotation: %v", err)
	}
}

func TestDroppedCountOnWriteFailure(t *testing.T) {
	j := newTestJournal(t)
	j.file.Close()
	f, err := os.Open(j.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	j.file = f

	j.Record(EventTweakApplied, "tweak-1", "", nil)
	if got := j.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	j.file.Close()
}

func TestRecordReportFailureKeepsPayload(t *testing.T) {
	j := newTestJournal(t)
	l := tweak.ApplicationLog{TweakID: "tweak-1", CorrelationID: "corr-1", ReasonCode: tweak.ReasonApplied, Success: true}
	j.RecordReportFailure(l, "endpoint_missing", "404 from both endpoints")
	j.Close()

	entries := readEntries(t, j.filePath)
	if len(entries) != 1 || entries[0].EventType != EventReportFailed {
		t.Fatalf("entries = %+v", entries)
	}
	payload, _ := entries[0].Details["log"].(string)
	if !strings.Contains(payload, `"tweakId":"tweak-1"`) {
		t.Fatalf("payload missing log: %s", payload)
	}
}

func TestSyncedEvents(t *testing.T) {
	for _, e := range []string{EventTweakApplied, EventTweakRolledBack, EventElevatedRequest} {
		if !syncedEvents[e] {
			t.Errorf("event %q should be fsynced", e)
		}
	}
	if syncedEvents[EventReportFailed] {
		t.Errorf("event %q should not be fsynced", EventReportFailed)
	}
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return entries
}
