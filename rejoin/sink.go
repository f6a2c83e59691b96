// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rejoin

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/snapshot"
	"github.com/absmach/rejoin/streamsnap"
	"github.com/absmach/rejoin/telemetry"
)

var _ snapshot.Sink = (*requestSink)(nil)

// requestSink hands the engine one stream target per destination of a single
// snapshot request. The sites map is read-only after creation.
type requestSink struct {
	c     *Coordinator
	j     *join
	nonce string
	sites map[mailbox.HSId]*siteState
}

func (rs *requestSink) Target(dest mailbox.HSId) (snapshot.TableWriter, error) {
	s, ok := rs.sites[dest]
	if !ok {
		return nil, fmt.Errorf("%w: %s in request %s", snapshot.ErrUnknownTarget, dest, rs.nonce)
	}

	c := rs.c
	t, err := streamsnap.NewTarget(streamsnap.TargetConfig{
		Source:      c.cfg.ID,
		Dest:        dest,
		Hashinator:  c.cfg.Hashinator,
		LowestSite:  c.cfg.LowestSite,
		Compression: c.cfg.Compression,
		Window:      c.cfg.Window,
		AckTimeout:  c.cfg.AckTimeout,
		Observer:    &siteObserver{metrics: c.cfg.Metrics, lastAck: s.lastAck},
		Logger:      c.logger,
	}, c.sender, c.receiver)
	if err != nil {
		return nil, err
	}
	c.post(func() { c.attachTarget(rs.j, s, t) })
	return t, nil
}

// Failed aborts every site of the request that has not applied its snapshot.
func (rs *requestSink) Failed(err error) {
	c := rs.c
	c.post(func() {
		c.logger.Warn("snapshot request failed",
			slog.String("nonce", rs.nonce),
			slog.String("error", err.Error()))
		for _, s := range rs.sites {
			if s.phase == PhaseSnapshotStreaming {
				c.abortSite(rs.j, s, err)
			}
		}
	})
}

// siteObserver feeds stream events into metrics and keeps the site's
// progress clock moving while acks arrive.
type siteObserver struct {
	metrics *telemetry.Metrics
	lastAck *atomic.Int64
}

func (o *siteObserver) BlockSent(dest mailbox.HSId, kind streamsnap.Kind, rawBytes, wireBytes int) {
	o.metrics.BlockSent(dest, kind, rawBytes, wireBytes)
}

func (o *siteObserver) BlockAcked(dest mailbox.HSId) {
	o.lastAck.Store(time.Now().UnixNano())
	o.metrics.BlockAcked(dest)
}

func (o *siteObserver) TargetFailed(dest mailbox.HSId) {
	o.metrics.TargetFailed(dest)
}
