// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/streamsnap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/rejoin"

var _ streamsnap.Observer = (*Metrics)(nil)

// Metrics holds the rejoin metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	siteTransitions  metric.Int64Counter
	sitesActive      metric.Int64UpDownCounter
	snapshotRequests metric.Int64Counter
	tasksLogged      metric.Int64Counter
	tasksReplayed    metric.Int64Counter
	blocksSent       metric.Int64Counter
	blocksAcked      metric.Int64Counter
	bytesRaw         metric.Int64Counter
	bytesWire        metric.Int64Counter
	targetsFailed    metric.Int64Counter
	siteDuration     metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.siteTransitions, err = meter.Int64Counter(
		"rejoin.site.transitions.total",
		metric.WithDescription("Site join phase transitions by target phase"),
	); err != nil {
		return nil, fmt.Errorf("failed to create siteTransitions counter: %w", err)
	}
	if m.sitesActive, err = meter.Int64UpDownCounter(
		"rejoin.sites.active",
		metric.WithDescription("Sites currently joining"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sitesActive gauge: %w", err)
	}
	if m.snapshotRequests, err = meter.Int64Counter(
		"rejoin.snapshot.requests.total",
		metric.WithDescription("Snapshot requests submitted to the engine"),
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshotRequests counter: %w", err)
	}
	if m.tasksLogged, err = meter.Int64Counter(
		"rejoin.tasks.logged.total",
		metric.WithDescription("Transaction tasks appended to task logs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasksLogged counter: %w", err)
	}
	if m.tasksReplayed, err = meter.Int64Counter(
		"rejoin.tasks.replayed.total",
		metric.WithDescription("Transaction tasks replayed to joining sites"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasksReplayed counter: %w", err)
	}
	if m.blocksSent, err = meter.Int64Counter(
		"rejoin.stream.blocks.sent.total",
		metric.WithDescription("Snapshot blocks queued for sending by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create blocksSent counter: %w", err)
	}
	if m.blocksAcked, err = meter.Int64Counter(
		"rejoin.stream.blocks.acked.total",
		metric.WithDescription("Snapshot blocks acknowledged by destinations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create blocksAcked counter: %w", err)
	}
	if m.bytesRaw, err = meter.Int64Counter(
		"rejoin.stream.bytes.raw.total",
		metric.WithDescription("Uncompressed snapshot payload bytes"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bytesRaw counter: %w", err)
	}
	if m.bytesWire, err = meter.Int64Counter(
		"rejoin.stream.bytes.wire.total",
		metric.WithDescription("Encoded snapshot frame bytes"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bytesWire counter: %w", err)
	}
	if m.targetsFailed, err = meter.Int64Counter(
		"rejoin.stream.targets.failed.total",
		metric.WithDescription("Stream targets torn down on failure"),
	); err != nil {
		return nil, fmt.Errorf("failed to create targetsFailed counter: %w", err)
	}
	if m.siteDuration, err = meter.Float64Histogram(
		"rejoin.site.duration.seconds",
		metric.WithDescription("Time from initiation to completion or abort of a site"),
	); err != nil {
		return nil, fmt.Errorf("failed to create siteDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSiteTransition records a site entering phase.
func (m *Metrics) RecordSiteTransition(phase string) {
	if m == nil {
		return
	}
	m.siteTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("phase", phase),
	))
}

// RecordSiteStarted records a site entering the join.
func (m *Metrics) RecordSiteStarted() {
	if m == nil {
		return
	}
	m.sitesActive.Add(context.Background(), 1)
}

// RecordSiteFinished records a site leaving the join with outcome.
func (m *Metrics) RecordSiteFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.sitesActive.Add(ctx, -1)
	m.siteDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordSnapshotRequest records a snapshot request covering sites.
func (m *Metrics) RecordSnapshotRequest(sites int) {
	if m == nil {
		return
	}
	m.snapshotRequests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("sites", sites),
	))
}

// RecordTaskLogged records a task appended to a task log.
func (m *Metrics) RecordTaskLogged() {
	if m == nil {
		return
	}
	m.tasksLogged.Add(context.Background(), 1)
}

// RecordTaskReplayed records a task sent to a joining site.
func (m *Metrics) RecordTaskReplayed() {
	if m == nil {
		return
	}
	m.tasksReplayed.Add(context.Background(), 1)
}

// BlockSent implements streamsnap.Observer.
func (m *Metrics) BlockSent(_ mailbox.HSId, kind streamsnap.Kind, rawBytes, wireBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.blocksSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
	))
	m.bytesRaw.Add(ctx, int64(rawBytes))
	m.bytesWire.Add(ctx, int64(wireBytes))
}

// BlockAcked implements streamsnap.Observer.
func (m *Metrics) BlockAcked(mailbox.HSId) {
	if m == nil {
		return
	}
	m.blocksAcked.Add(context.Background(), 1)
}

// TargetFailed implements streamsnap.Observer.
func (m *Metrics) TargetFailed(mailbox.HSId) {
	if m == nil {
		return
	}
	m.targetsFailed.Add(context.Background(), 1)
}
