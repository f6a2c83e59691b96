// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package progress persists per-site rejoin checkpoints so an operator can
// see how far an interrupted rejoin got.
package progress

import (
	"errors"
	"time"

	"github.com/absmach/rejoin/mailbox"
)

var ErrNotFound = errors.New("rejoin not found")

// Checkpoint is the last recorded state of one site in one rejoin.
type Checkpoint struct {
	RejoinID  string       `json:"rejoin_id"`
	SiteID    mailbox.HSId `json:"site_id"`
	Phase     string       `json:"phase"`
	Cutoff    int64        `json:"cutoff"`
	Replayed  uint64       `json:"replayed"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store keeps checkpoints keyed by rejoin id and site.
type Store interface {
	// Save upserts the checkpoint of cp.SiteID within cp.RejoinID.
	Save(cp Checkpoint) error

	// Load returns the checkpoints of a rejoin ordered by site id.
	Load(rejoinID string) ([]Checkpoint, error)

	// Rejoins lists the rejoin ids that have checkpoints.
	Rejoins() ([]string, error)

	// Delete removes every checkpoint of a rejoin.
	Delete(rejoinID string) error

	Close() error
}
