// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rejoin

import (
	"fmt"
	"strings"

	"github.com/absmach/rejoin/mailbox"
)

// Strategy selects how sites are brought into the join.
type Strategy uint8

const (
	// Sequential initiates one site at a time and moves on once the current
	// site has applied its snapshot.
	Sequential Strategy = iota + 1
	// Parallel initiates every site at once and requests a single snapshot
	// after all of them answered.
	Parallel
)

func (s Strategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// ParseStrategy parses a strategy name as used in configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "sequential":
		return Sequential, nil
	case "parallel":
		return Parallel, nil
	default:
		return 0, fmt.Errorf("unknown rejoin strategy %q", s)
	}
}

// joinStrategy is the part of a join that differs between strategies. Every
// method runs on the coordinator loop and returns the sites whose snapshot
// can be requested now.
type joinStrategy interface {
	start(c *Coordinator, j *join)
	responded(c *Coordinator, j *join, s *siteState) []*siteState
	snapshotFinished(c *Coordinator, j *join, s *siteState)
	aborted(c *Coordinator, j *join, s *siteState, from Phase) []*siteState
}

func newJoinStrategy(s Strategy) joinStrategy {
	if s == Sequential {
		return &sequentialJoin{}
	}
	return &parallelJoin{}
}

type sequentialJoin struct {
	current *siteState
}

func (q *sequentialJoin) start(c *Coordinator, j *join) {
	q.initiateNext(c, j)
}

// initiateNext sends Initiation to the first site that has not started yet.
// A site that cannot be initiated is aborted and skipped.
func (q *sequentialJoin) initiateNext(c *Coordinator, j *join) {
	q.current = nil
	for _, id := range j.order {
		s := j.sites[id]
		if s.phase != PhaseNotStarted {
			continue
		}
		if err := c.openLog(j, s); err != nil {
			c.abortSite(j, s, err)
			continue
		}
		msg := Initiation{Source: c.cfg.ID, MailboxID: c.cfg.ID}
		if err := c.sendControl(j.ctx, msg, s.id); err != nil {
			c.abortSite(j, s, err)
			continue
		}
		if !c.advance(j, s, EventSendInitiation) {
			return
		}
		q.current = s
		return
	}
}

func (q *sequentialJoin) responded(_ *Coordinator, _ *join, s *siteState) []*siteState {
	return []*siteState{s}
}

func (q *sequentialJoin) snapshotFinished(c *Coordinator, j *join, s *siteState) {
	if q.current == s {
		q.initiateNext(c, j)
	}
}

func (q *sequentialJoin) aborted(c *Coordinator, j *join, s *siteState, _ Phase) []*siteState {
	if q.current == s {
		q.initiateNext(c, j)
	}
	return nil
}

type parallelJoin struct {
	released bool
}

func (p *parallelJoin) start(c *Coordinator, j *join) {
	targets := make([]mailbox.HSId, 0, len(j.order))
	for _, id := range j.order {
		s := j.sites[id]
		if err := c.openLog(j, s); err != nil {
			c.abortSite(j, s, err)
			continue
		}
		targets = append(targets, s.id)
	}
	if len(targets) == 0 {
		return
	}

	msg := InitiationBroadcast{Source: c.cfg.ID, MailboxID: c.cfg.ID, Label: j.id}
	if err := c.sendControl(j.ctx, msg, targets...); err != nil {
		for _, id := range targets {
			c.abortSite(j, j.sites[id], err)
		}
		return
	}
	for _, id := range targets {
		if !c.advance(j, j.sites[id], EventSendInitiation) {
			return
		}
	}
}

func (p *parallelJoin) responded(_ *Coordinator, j *join, _ *siteState) []*siteState {
	return p.barrier(j)
}

func (p *parallelJoin) snapshotFinished(*Coordinator, *join, *siteState) {}

func (p *parallelJoin) aborted(_ *Coordinator, j *join, _ *siteState, _ Phase) []*siteState {
	return p.barrier(j)
}

// barrier releases every live site once all of them have responded. Aborted
// sites no longer hold the barrier.
func (p *parallelJoin) barrier(j *join) []*siteState {
	if p.released {
		return nil
	}
	var ready []*siteState
	for _, id := range j.order {
		s := j.sites[id]
		if s.phase.Terminal() {
			continue
		}
		if !s.responded {
			return nil
		}
		ready = append(ready, s)
	}
	if len(ready) == 0 {
		return nil
	}
	p.released = true
	return ready
}
