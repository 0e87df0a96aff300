package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "trades.jsonl")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	type record struct {
		Type string `json:"type"`
		N    int    `json:"n"`
	}
	for i := 0; i < 3; i++ {
		if err := j.Append(record{Type: "order_result", N: i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path) // #nosec G304 -- temp dir
	if err != nil {
		t.Fatalf("opening journal back: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Errorf("line %d not valid JSON: %v", lines, err)
		}
		if r.N != lines {
			t.Errorf("line %d has n=%d", lines, r.N)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("journal has %d lines, want 3", lines)
	}
}

func TestOpenAppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(map[string]string{"a": "1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j.Append(map[string]string{"b": "2"}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	j.Close()

	data, err := os.ReadFile(path) // #nosec G304 -- temp dir
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := len(splitLines(data)); got != 2 {
		t.Errorf("journal has %d lines after reopen, want 2", got)
	}
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	return out
}
