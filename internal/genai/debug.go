package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// debugEntry is one provider call as written to the debug directory.
type debugEntry struct {
	Timestamp string `json:"timestamp"`
	Method    string `json:"method"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	System    string `json:"system"`
	User      string `json:"user"`
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
	Elapsed   string `json:"elapsed"`
}

// writeDebugEntry stores entry as a JSON file under stateDir/debug.
// Failures are logged and otherwise ignored.
func writeDebugEntry(stateDir string, entry debugEntry) {
	now := time.Now()
	entry.Timestamp = now.Format(time.RFC3339Nano)

	dir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.writeDebugEntry: failed to create debug dir", "error", err, "dir", dir)
		return
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebugEntry: failed to marshal entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_%d.json", entry.Provider, now.Format("20060102T150405"), now.UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("genai.writeDebugEntry: failed to write entry", "error", err, "file", name)
		return
	}
	slog.Debug("genai.writeDebugEntry: wrote debug entry", "file", name)
}

func (c *Client) logDebug(entry debugEntry) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	writeDebugEntry(c.stateDir, entry)
}
