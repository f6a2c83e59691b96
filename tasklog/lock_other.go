// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package tasklog

import (
	"fmt"
	"os"
	"path/filepath"
)

// lockDir claims dir by creating the lock file exclusively. Without flock a
// lock file left by a crashed owner has to be removed by hand.
func lockDir(dir string) (func() error, error) {
	path := filepath.Join(dir, lockFileName)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDirInUse, dir)
		}
		return nil, fmt.Errorf("failed to lock overflow directory: %w", err)
	}
	fmt.Fprintf(file, "%d\n", os.Getpid())
	file.Close()

	return func() error {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}, nil
}
