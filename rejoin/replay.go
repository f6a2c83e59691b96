// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rejoin

import (
	"context"
	"io"
	"time"

	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/tasklog"
	"github.com/cockroachdb/errors"
)

func (c *Coordinator) startReplay(j *join, s *siteState) {
	ctx, cancel := context.WithCancel(j.ctx)
	s.cancelReplay = cancel
	l := s.log.log
	site := s.id
	c.goAsync(func() {
		count, err := c.replay(ctx, site, l)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.post(func() { c.abortSite(j, s, err) })
			return
		}

		// The site may answer ReplayDone at once, so the loop has to know
		// the log is drained before it is sent.
		var live bool
		done := make(chan struct{})
		c.post(func() {
			defer close(done)
			if s.phase.Terminal() {
				return
			}
			live = true
			s.drained = true
			s.replayed = count
			s.since = time.Now()
			c.checkpoint(j, s)
		})
		select {
		case <-done:
		case <-c.stopped:
			return
		}
		if !live {
			return
		}

		if err := c.send(ctx, ReplayDone{Source: c.cfg.ID, SiteID: site, Count: count}, site); err != nil && ctx.Err() == nil {
			c.post(func() { c.abortSite(j, s, err) })
		}
	})
}

// replay drains l to the site. Once the log has caught up it is sealed and
// producers wait in LogTask until the site confirms the replay. replay
// returns when the sealed log is empty.
func (c *Coordinator) replay(ctx context.Context, site mailbox.HSId, l *tasklog.Log) (uint64, error) {
	var (
		count  uint64
		sealed bool
	)
	for {
		t, err := l.Next()
		switch {
		case err == nil:
			msg := ReplayTask{
				Source:      c.cfg.ID,
				SiteID:      site,
				PartitionID: t.PartitionID,
				Ordinal:     t.Ordinal,
				Payload:     t.Payload,
			}
			if err := c.send(ctx, msg, site); err != nil {
				return count, err
			}
			count++
			c.cfg.Metrics.RecordTaskReplayed()
		case errors.Is(err, tasklog.ErrNotReady):
			if !sealed {
				if err := l.Seal(); err != nil {
					return count, err
				}
				sealed = true
				continue
			}
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			case <-time.After(c.cfg.ReplayPollInterval):
			}
		case errors.Is(err, io.EOF):
			return count, nil
		default:
			return count, err
		}
	}
}
