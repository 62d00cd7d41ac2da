// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TurnRecord is one line of the JSONL turn dump.
type TurnRecord struct {
	Turn      int               `json:"turn"`
	Timestamp time.Time         `json:"timestamp"`
	Input     string            `json:"input"`
	Output    string            `json:"output"`
	Stats     Stats             `json:"stats"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultDumpBuffer is the record count held before a write.
const DefaultDumpBuffer = 10

// TurnDumper appends per-turn debug records to a JSONL file, buffering
// a handful of records between writes.
//
// Thread Safety: all methods are safe for concurrent use.
type TurnDumper struct {
	mu        sync.Mutex
	path      string
	bufSize   int
	buffer    []TurnRecord
	turnCount int
}

// NewTurnDumper creates a dumper writing to path, creating parent
// directories as needed. bufferSize values of zero or less select
// DefaultDumpBuffer.
func NewTurnDumper(path string, bufferSize int) (*TurnDumper, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultDumpBuffer
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create dump dir: %w", err)
	}
	return &TurnDumper{path: path, bufSize: bufferSize}, nil
}

// Write buffers one turn record, flushing when the buffer fills.
func (d *TurnDumper) Write(input, output string, stats Stats, metadata map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.turnCount++
	d.buffer = append(d.buffer, TurnRecord{
		Turn:      d.turnCount,
		Timestamp: time.Now(),
		Input:     input,
		Output:    output,
		Stats:     stats,
		Metadata:  metadata,
	})

	if len(d.buffer) >= d.bufSize {
		return d.flushLocked()
	}
	return nil
}

// Flush writes any buffered records to disk.
func (d *TurnDumper) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *TurnDumper) flushLocked() error {
	if len(d.buffer) == 0 {
		return nil
	}

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("telemetry: open dump file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range d.buffer {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("telemetry: encode turn record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("telemetry: flush dump file: %w", err)
	}

	d.buffer = d.buffer[:0]
	return nil
}

// ReadTurns returns records from the dump file, most recent last. A
// limit of zero or less returns everything.
func (d *TurnDumper) ReadTurns(limit int) ([]TurnRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("telemetry: open dump file: %w", err)
	}
	defer f.Close()

	var out []TurnRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec TurnRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("telemetry: decode turn record: %w", err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: scan dump file: %w", err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
