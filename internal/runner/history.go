package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetherlabs/tether/internal/protocol"
)

// HistoryProvider serves the transcript for a session when an app asks for
// it. The broker forwards history requests verbatim, so whatever this
// returns goes straight back to the app.
type HistoryProvider interface {
	History(sessionID string) ([]protocol.HistoryEntry, error)
}

// FileHistory reads transcripts from {Dir}/{sessionID}.jsonl, one JSON
// entry per line. Malformed lines are skipped so a torn write cannot hide
// the rest of the transcript.
type FileHistory struct {
	Dir string
}

func (f *FileHistory) History(sessionID string) ([]protocol.HistoryEntry, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") || strings.Contains(sessionID, "..") {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	path := filepath.Join(f.Dir, sessionID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer file.Close()

	var entries []protocol.HistoryEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry protocol.HistoryEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return entries, nil
}
