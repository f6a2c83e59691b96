// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// SpillExtension is the suffix of spilled buffer files.
	SpillExtension = ".tbuf"
	lockFileName   = ".lock"
)

// ErrDirInUse is returned when another log already owns the overflow directory.
var ErrDirInUse = errors.New("overflow directory in use")

// FormatSpillName formats a spill file name from a buffer id.
func FormatSpillName(id uint64) string {
	return fmt.Sprintf("%020d%s", id, SpillExtension)
}

// ParseSpillName extracts the buffer id from a spill file name.
func ParseSpillName(name string) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(name, "%020d"+SpillExtension, &id)
	return id, err
}

// writeSpill persists a sealed buffer to dir.
func writeSpill(dir string, b *Buffer) (int, error) {
	path := filepath.Join(dir, FormatSpillName(b.ID()))
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create spill file: %w", err)
	}

	data := b.Bytes()
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write spill file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to sync spill file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to publish spill file: %w", err)
	}
	return len(data), nil
}

// readSpill loads a spilled buffer back into memory.
func readSpill(dir string, id uint64) (*Buffer, error) {
	data, err := os.ReadFile(filepath.Join(dir, FormatSpillName(id)))
	if err != nil {
		return nil, fmt.Errorf("failed to read spill file: %w", err)
	}

	b, err := DecodeBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("spill file %s: %w", FormatSpillName(id), err)
	}
	if b.ID() != id {
		return nil, fmt.Errorf("%w: spill file %s holds buffer %d", ErrInvalidBuffer, FormatSpillName(id), b.ID())
	}
	return b, nil
}

// removeSpill deletes a drained spill file.
func removeSpill(dir string, id uint64) error {
	err := os.Remove(filepath.Join(dir, FormatSpillName(id)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// listSpills returns the spill file names present in dir.
func listSpills(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, SpillExtension) || strings.HasSuffix(name, SpillExtension+".tmp") {
			names = append(names, name)
		}
	}
	return names, nil
}
