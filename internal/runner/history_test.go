package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileHistoryReadsTranscript(t *testing.T) {
	dir := t.TempDir()
	transcript := `{"role":"user","content":"run the tests","timestamp":1700000000000}
not json
{"role":"assistant","content":"done"}
`
	if err := os.WriteFile(filepath.Join(dir, "sess-1.jsonl"), []byte(transcript), 0o644); err != nil {
		t.Fatal(err)
	}

	h := &FileHistory{Dir: dir}
	entries, err := h.History("sess-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (malformed line skipped)", len(entries))
	}
	if entries[0].Role != "user" || entries[0].Content != "run the tests" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Content != "done" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestFileHistoryMissingSession(t *testing.T) {
	h := &FileHistory{Dir: t.TempDir()}
	entries, err := h.History("never-existed")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entries != nil {
		t.Fatalf("entries = %v, want nil", entries)
	}
}

func TestFileHistoryRejectsBadSessionIDs(t *testing.T) {
	h := &FileHistory{Dir: t.TempDir()}
	for _, id := range []string{"", "../evil", "a/b", `a\b`, ".."} {
		if _, err := h.History(id); err == nil {
			t.Errorf("History(%q) accepted a bad session id", id)
		}
	}
}
