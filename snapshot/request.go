// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package snapshot defines the contract between the rejoin coordinator and
// the engine that produces cluster snapshots.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/rejoin/mailbox"
)

var (
	ErrInvalidRequest = errors.New("invalid snapshot request")
	ErrUnknownTarget  = errors.New("unknown snapshot destination")
)

// Table names a table to include in the snapshot.
type Table struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// StreamConfig lists the stream mailboxes the snapshot is delivered to.
type StreamConfig struct {
	Destinations []mailbox.HSId `json:"destinations"`
}

// Request is the structured blob handed to the engine.
type Request struct {
	Nonce   string       `json:"nonce"`
	Tables  []Table      `json:"tables,omitempty"`
	Streams StreamConfig `json:"streams"`
	// ShouldTruncate asks the engine to truncate command logs once the
	// snapshot is durable.
	ShouldTruncate bool `json:"shouldTruncate"`
	// NewPartitionCount is set when the join grows the partition count.
	NewPartitionCount *int `json:"newPartitionCount,omitempty"`
}

// Validate checks the request invariants.
func (r Request) Validate() error {
	if r.Nonce == "" {
		return fmt.Errorf("%w: empty nonce", ErrInvalidRequest)
	}
	if len(r.Streams.Destinations) == 0 {
		return fmt.Errorf("%w: no destinations", ErrInvalidRequest)
	}
	seen := make(map[mailbox.HSId]struct{}, len(r.Streams.Destinations))
	for _, d := range r.Streams.Destinations {
		if _, ok := seen[d]; ok {
			return fmt.Errorf("%w: duplicate destination %s", ErrInvalidRequest, d)
		}
		seen[d] = struct{}{}
	}
	if r.NewPartitionCount != nil && *r.NewPartitionCount <= 0 {
		return fmt.Errorf("%w: partition count %d", ErrInvalidRequest, *r.NewPartitionCount)
	}
	return nil
}

// Marshal validates and encodes the request.
func (r Request) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// ParseRequest decodes and validates a request blob.
func ParseRequest(blob []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(blob, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// TableWriter is the per-destination stream the engine writes table data to.
type TableWriter interface {
	Write(ctx context.Context, tableID uint32, schema, rows []byte) error
	Close(ctx context.Context) error
	Fail(reason string)
}

// Sink hands out stream writers for a request and receives asynchronous
// engine failures.
type Sink interface {
	Target(dest mailbox.HSId) (TableWriter, error)
	Failed(err error)
}

// Engine produces a snapshot and streams it through the sink. Submit returns
// once the request is accepted; data is written asynchronously.
type Engine interface {
	Submit(ctx context.Context, blob []byte, sink Sink) error
}
