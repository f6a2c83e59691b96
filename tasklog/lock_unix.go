// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package tasklog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockDir claims dir for a single log instance. The claim is an advisory
// flock on the lock file, so the kernel drops it when the owner dies and a
// lock file left behind by a crash does not block the next Open. The file
// itself is never removed: unlinking it would let a second instance lock a
// fresh inode while a third still holds the old one.
func lockDir(dir string) (func() error, error) {
	path := filepath.Join(dir, lockFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open overflow directory lock: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrDirInUse, dir)
		}
		return nil, fmt.Errorf("failed to lock overflow directory: %w", err)
	}

	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "%d\n", os.Getpid())
	}

	return func() error {
		err := unix.Flock(int(file.Fd()), unix.LOCK_UN)
		return errors.Join(err, file.Close())
	}, nil
}
