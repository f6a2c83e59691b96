// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rejoin drives live rejoin: it initiates joining sites, requests the
// snapshot that seeds them, records the transactions they miss meanwhile and
// replays those once each site has applied its snapshot.
package rejoin

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/progress"
	"github.com/absmach/rejoin/snapshot"
	"github.com/absmach/rejoin/streamsnap"
	"github.com/absmach/rejoin/tasklog"
	"github.com/absmach/rejoin/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrJoinInProgress    = errors.New("rejoin already in progress")
	ErrNoJoin            = errors.New("no rejoin started")
	ErrNoSites           = errors.New("no sites to rejoin")
	ErrDuplicateSite     = errors.New("duplicate site in rejoin")
	ErrUnknownSite       = errors.New("site is not part of the rejoin")
	ErrSiteLive          = errors.New("site is live, execute the task directly")
	ErrSiteTimeout       = errors.New("site made no progress")
	ErrSitesAborted      = errors.New("rejoin finished with aborted sites")
	ErrUnexpectedMessage = errors.New("unexpected message for coordinator")
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

const (
	// DefaultSiteTimeout bounds how long a site may stay silent while the
	// coordinator waits for it.
	DefaultSiteTimeout        = 5 * time.Minute
	DefaultSendTimeout        = 5 * time.Second
	DefaultReplayPollInterval = 10 * time.Millisecond

	ackSite = ^uint32(0)
)

// TxnClock reports the ordinal of the last transaction executed cluster-wide.
type TxnClock interface {
	LastOrdinal() int64
}

// ClockFunc adapts a function to TxnClock.
type ClockFunc func() int64

func (f ClockFunc) LastOrdinal() int64 { return f() }

// Config wires a coordinator to its collaborators.
type Config struct {
	// ID is the mailbox joining sites reply to.
	ID     mailbox.HSId
	Fabric mailbox.Fabric
	Engine snapshot.Engine
	Clock  TxnClock

	Tables            []snapshot.Table
	ShouldTruncate    bool
	NewPartitionCount *int

	Hashinator   []byte
	LowestSite   bool
	Compression  streamsnap.Compression
	Sender       streamsnap.SenderConfig
	AckMailboxID mailbox.HSId
	Window       int
	AckTimeout   time.Duration

	SiteTimeout time.Duration
	// SendTimeout bounds the initiation sends made from the coordinator
	// loop. A site whose mailbox stays full that long is aborted.
	SendTimeout        time.Duration
	ReplayPollInterval time.Duration
	TaskLog            []tasklog.Option

	Progress progress.Store
	Metrics  *telemetry.Metrics

	// OnSiteRejoinComplete is called exactly once for every site that
	// finishes its join.
	OnSiteRejoinComplete func(siteID mailbox.HSId)
	// OnFatal receives protocol violations. The default logs and panics.
	OnFatal func(err error)
	Logger  *slog.Logger
}

// SiteJoinState is a point in time view of one site.
type SiteJoinState struct {
	SiteID            mailbox.HSId
	Phase             Phase
	StreamMailboxID   mailbox.HSId
	TxnID             int64
	SnapshotRequested bool
	Cutoff            int64
	Replayed          uint64
	Err               error
}

// Status is a point in time view of the current rejoin.
type Status struct {
	RejoinID string
	Strategy Strategy
	Done     bool
	Sites    []SiteJoinState
}

// Result summarizes a finished rejoin.
type Result struct {
	RejoinID  string
	Completed []mailbox.HSId
	Aborted   map[mailbox.HSId]error
}

type siteState struct {
	id              mailbox.HSId
	phase           Phase
	streamMailboxID mailbox.HSId
	txnID           int64
	responded       bool
	requested       bool
	drained         bool
	cutoff          int64
	replayed        uint64
	err             error

	log          *siteLog
	targets      []*streamsnap.Target
	cancelReplay context.CancelFunc

	started time.Time
	since   time.Time
	// lastAck is refreshed by the stream observer while blocks are acked.
	lastAck *atomic.Int64
	span    trace.Span
}

type join struct {
	id          string
	ctx         context.Context
	kind        Strategy
	strategy    joinStrategy
	sites       map[mailbox.HSId]*siteState
	order       []mailbox.HSId
	overflowDir string
	requests    int
	done        chan struct{}
	result      Result
}

// siteLog is the task log of a site as seen by LogTask. handoff is closed
// once the site is either confirmed live or abandoned.
type siteLog struct {
	log         *tasklog.Log
	live        atomic.Bool
	handoff     chan struct{}
	handoffOnce sync.Once
}

// Coordinator runs one rejoin at a time. All join state is owned by a
// single loop goroutine; the public methods and background workers talk to
// it over the events channel.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	sender   *streamsnap.Sender
	receiver *streamsnap.AckReceiver

	events   chan func()
	stopped  chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once

	mu   sync.RWMutex
	logs map[mailbox.HSId]*siteLog

	// Owned by the loop.
	join *join
}

// New validates cfg and starts the coordinator loop.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Fabric == nil {
		return nil, fmt.Errorf("rejoin: fabric is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("rejoin: snapshot engine is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("rejoin: transaction clock is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SiteTimeout <= 0 {
		cfg.SiteTimeout = DefaultSiteTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ReplayPollInterval <= 0 {
		cfg.ReplayPollInterval = DefaultReplayPollInterval
	}
	if cfg.AckMailboxID == 0 {
		cfg.AckMailboxID = mailbox.NewHSId(cfg.ID.Host(), ackSite)
	}
	if cfg.Sender.QueueSize <= 0 {
		cfg.Sender = streamsnap.DefaultSenderConfig()
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.NewMemoryStore()
	}
	logger := cfg.Logger.With(slog.String("coordinator", cfg.ID.String()))
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(err error) {
			logger.Error("rejoin protocol violation", slog.String("error", fmt.Sprintf("%+v", err)))
			panic(err)
		}
	}

	receiver, err := streamsnap.NewAckReceiver(cfg.Fabric, cfg.AckMailboxID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ack receiver: %w", err)
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/absmach/rejoin"),
		sender:   streamsnap.NewSender(cfg.Fabric, cfg.Sender, logger),
		receiver: receiver,
		events:   make(chan func()),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
		logs:     make(map[mailbox.HSId]*siteLog),
	}
	go c.run()
	return c, nil
}

func (c *Coordinator) run() {
	defer close(c.loopDone)

	interval := c.cfg.SiteTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-c.events:
			fn()
		case now := <-ticker.C:
			c.checkTimeouts(now)
		case <-c.stopped:
			return
		}
	}
}

// call runs fn on the loop and waits for it.
func (c *Coordinator) call(fn func()) error {
	done := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(done) }:
	case <-c.stopped:
		return ErrCoordinatorClosed
	}
	<-done
	return nil
}

// post queues fn on the loop without waiting. It is used by workers.
func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.stopped:
	}
}

func (c *Coordinator) goAsync(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// StartJoin begins a rejoin of siteIDs. Task logs for the sites live under
// overflowDir. It returns once the first initiations are sent.
func (c *Coordinator) StartJoin(ctx context.Context, siteIDs []mailbox.HSId, strategy Strategy, overflowDir string) error {
	if len(siteIDs) == 0 {
		return ErrNoSites
	}
	if strategy != Sequential && strategy != Parallel {
		return fmt.Errorf("invalid strategy %s", strategy)
	}
	if overflowDir == "" {
		return fmt.Errorf("overflow directory is required")
	}
	seen := make(map[mailbox.HSId]struct{}, len(siteIDs))
	for _, id := range siteIDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSite, id)
		}
		seen[id] = struct{}{}
	}

	var err error
	if cerr := c.call(func() {
		if c.join != nil && !isClosed(c.join.done) {
			err = ErrJoinInProgress
			return
		}
		c.startJoin(ctx, siteIDs, strategy, overflowDir)
	}); cerr != nil {
		return cerr
	}
	return err
}

func (c *Coordinator) startJoin(ctx context.Context, siteIDs []mailbox.HSId, strategy Strategy, overflowDir string) {
	j := &join{
		id:          uuid.NewString(),
		ctx:         context.WithoutCancel(ctx),
		kind:        strategy,
		strategy:    newJoinStrategy(strategy),
		sites:       make(map[mailbox.HSId]*siteState, len(siteIDs)),
		order:       append([]mailbox.HSId(nil), siteIDs...),
		overflowDir: overflowDir,
		done:        make(chan struct{}),
	}
	c.join = j

	c.mu.Lock()
	c.logs = make(map[mailbox.HSId]*siteLog, len(siteIDs))
	c.mu.Unlock()

	now := time.Now()
	for _, id := range siteIDs {
		_, span := c.tracer.Start(j.ctx, "rejoin.site", trace.WithAttributes(
			attribute.String("rejoin.id", j.id),
			attribute.String("rejoin.site", id.String()),
			attribute.String("rejoin.strategy", strategy.String())))
		s := &siteState{
			id:      id,
			phase:   PhaseNotStarted,
			started: now,
			since:   now,
			lastAck: new(atomic.Int64),
			span:    span,
		}
		j.sites[id] = s

		c.mu.Lock()
		c.logs[id] = &siteLog{}
		c.mu.Unlock()

		c.cfg.Metrics.RecordSiteStarted()
		c.checkpoint(j, s)
	}

	c.logger.Info("rejoin started",
		slog.String("rejoin_id", j.id),
		slog.String("strategy", strategy.String()),
		slog.Int("sites", len(siteIDs)))

	j.strategy.start(c, j)
	c.checkFinished(j)
}

// Deliver hands a message from a joining site to the coordinator. A message
// that does not fit the site's phase is a protocol violation: it is reported
// to OnFatal and returned.
func (c *Coordinator) Deliver(msg Message) error {
	var err error
	if cerr := c.call(func() {
		err = c.deliver(msg)
	}); cerr != nil {
		return cerr
	}
	return err
}

func (c *Coordinator) deliver(msg Message) error {
	j := c.join
	if j == nil {
		return ErrNoJoin
	}

	var siteID mailbox.HSId
	switch m := msg.(type) {
	case InitiationResponse:
		siteID = m.SiteID
	case SnapshotFinished:
		siteID = m.SiteID
	case ReplayFinished:
		siteID = m.SiteID
	default:
		return fmt.Errorf("%w: %s from %s", ErrUnexpectedMessage, msg.Kind(), msg.From())
	}

	s, ok := j.sites[siteID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	if s.phase == PhaseAborted {
		c.logger.Debug("dropping message for aborted site",
			slog.String("site", siteID.String()),
			slog.String("kind", msg.Kind().String()))
		return nil
	}

	switch m := msg.(type) {
	case InitiationResponse:
		return c.onInitiationResponse(j, s, m)
	case SnapshotFinished:
		return c.onSnapshotFinished(j, s)
	case ReplayFinished:
		return c.onReplayFinished(j, s)
	}
	return nil
}

func (c *Coordinator) onInitiationResponse(j *join, s *siteState, m InitiationResponse) error {
	if err := c.transition(j, s, EventInitiationResponse); err != nil {
		return err
	}
	s.streamMailboxID = m.StreamMailboxID
	s.txnID = m.TxnID
	s.responded = true
	c.checkpoint(j, s)

	if ready := j.strategy.responded(c, j, s); len(ready) > 0 {
		c.requestSnapshot(j, ready)
	}
	return nil
}

func (c *Coordinator) onSnapshotFinished(j *join, s *siteState) error {
	if s.phase == PhaseSnapshotStreaming && !s.requested {
		return c.fatal(s, errors.Newf("snapshot finished before it was requested"))
	}
	if err := c.transition(j, s, EventSnapshotFinished); err != nil {
		return err
	}
	c.checkpoint(j, s)

	// Stream targets are done once the site has applied everything.
	s.targets = nil

	j.strategy.snapshotFinished(c, j, s)
	if err := c.transition(j, s, EventBeginReplay); err != nil {
		return err
	}
	c.checkpoint(j, s)
	c.startReplay(j, s)
	return nil
}

func (c *Coordinator) onReplayFinished(j *join, s *siteState) error {
	if s.phase == PhaseReplaying && !s.drained {
		return c.fatal(s, errors.Newf("replay finished before every task was replayed"))
	}
	if err := c.transition(j, s, EventReplayFinished); err != nil {
		return err
	}
	c.checkpoint(j, s)
	if err := c.transition(j, s, EventComplete); err != nil {
		return err
	}

	if s.cancelReplay != nil {
		s.cancelReplay()
	}
	c.closeLog(s, true)
	c.checkpoint(j, s)
	c.cfg.Metrics.RecordSiteFinished("complete", time.Since(s.started))
	s.span.SetStatus(codes.Ok, "")
	s.span.End()

	c.logger.Info("site rejoin complete",
		slog.String("rejoin_id", j.id),
		slog.String("site", s.id.String()),
		slog.Uint64("replayed", s.replayed))

	if cb := c.cfg.OnSiteRejoinComplete; cb != nil {
		id := s.id
		c.goAsync(func() { cb(id) })
	}
	c.checkFinished(j)
	return nil
}

// transition applies ev to s. An invalid transition is fatal.
func (c *Coordinator) transition(j *join, s *siteState, ev Event) error {
	next, err := Transition(s.phase, ev)
	if err != nil {
		return c.fatal(s, err)
	}
	c.logger.Debug("site transition",
		slog.String("rejoin_id", j.id),
		slog.String("site", s.id.String()),
		slog.String("from", s.phase.String()),
		slog.String("to", next.String()))
	s.phase = next
	s.since = time.Now()
	s.span.AddEvent(next.String())
	c.cfg.Metrics.RecordSiteTransition(next.String())
	return nil
}

// advance is transition for callers that only need to know whether to go on.
func (c *Coordinator) advance(j *join, s *siteState, ev Event) bool {
	if err := c.transition(j, s, ev); err != nil {
		return false
	}
	c.checkpoint(j, s)
	return true
}

func (c *Coordinator) fatal(s *siteState, cause error) error {
	err := errors.NewAssertionErrorWithWrappedErrf(cause, "site %s in phase %s", s.id, s.phase)
	c.cfg.OnFatal(err)
	return err
}

func (c *Coordinator) send(ctx context.Context, msg Message, to ...mailbox.HSId) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.cfg.Fabric.Send(ctx, c.cfg.ID, to, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	return nil
}

// sendControl sends from the loop goroutine, which must not wait on a full
// mailbox for longer than SendTimeout.
func (c *Coordinator) sendControl(ctx context.Context, msg Message, to ...mailbox.HSId) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	return c.send(ctx, msg, to...)
}

func (c *Coordinator) openLog(j *join, s *siteState) error {
	dir := filepath.Join(j.overflowDir, fmt.Sprintf("site-%d-%d", s.id.Host(), s.id.Site()))
	opts := append([]tasklog.Option{tasklog.WithLogger(c.logger)}, c.cfg.TaskLog...)
	l, err := tasklog.Open(dir, opts...)
	if err != nil {
		return fmt.Errorf("open task log for %s: %w", s.id, err)
	}
	sl := &siteLog{log: l, handoff: make(chan struct{})}
	s.log = sl

	c.mu.Lock()
	c.logs[s.id] = sl
	c.mu.Unlock()
	return nil
}

// closeLog releases the site's task log and wakes producers waiting on the
// handoff. live tells LogTask whether later tasks belong on the site itself.
func (c *Coordinator) closeLog(s *siteState, live bool) {
	if s.log == nil {
		return
	}
	s.log.live.Store(live)
	s.log.handoffOnce.Do(func() { close(s.log.handoff) })
	if err := s.log.log.Close(true); err != nil {
		c.logger.Warn("failed to close task log",
			slog.String("site", s.id.String()),
			slog.String("error", err.Error()))
	}
}

// requestSnapshot fixes the replay cutoff of the ready sites and submits one
// snapshot request streaming to all of them.
func (c *Coordinator) requestSnapshot(j *join, sites []*siteState) {
	cutoff := c.cfg.Clock.LastOrdinal()
	for _, s := range sites {
		if err := s.log.log.EnableRecording(cutoff); err != nil {
			c.fatal(s, err)
			return
		}
		s.cutoff = cutoff
	}

	j.requests++
	req := snapshot.Request{
		Nonce:             fmt.Sprintf("%s-%d", j.id, j.requests),
		Tables:            c.cfg.Tables,
		ShouldTruncate:    c.cfg.ShouldTruncate,
		NewPartitionCount: c.cfg.NewPartitionCount,
	}
	rs := &requestSink{c: c, j: j, nonce: req.Nonce, sites: make(map[mailbox.HSId]*siteState, len(sites))}
	for _, s := range sites {
		req.Streams.Destinations = append(req.Streams.Destinations, s.streamMailboxID)
		rs.sites[s.streamMailboxID] = s
	}

	blob, err := req.Marshal()
	if err != nil {
		for _, s := range sites {
			c.abortSite(j, s, err)
		}
		return
	}

	now := time.Now()
	for _, s := range sites {
		s.requested = true
		s.since = now
		c.checkpoint(j, s)
	}
	c.cfg.Metrics.RecordSnapshotRequest(len(sites))
	c.logger.Info("snapshot requested",
		slog.String("rejoin_id", j.id),
		slog.String("nonce", req.Nonce),
		slog.Int64("cutoff", cutoff),
		slog.Int("sites", len(sites)))

	c.goAsync(func() {
		if err := c.cfg.Engine.Submit(j.ctx, blob, rs); err != nil {
			rs.Failed(fmt.Errorf("submit snapshot request: %w", err))
		}
	})
}

// abortSite takes a site out of the join and releases everything it holds.
func (c *Coordinator) abortSite(j *join, s *siteState, cause error) {
	if s.phase.Terminal() {
		return
	}
	from := s.phase
	if err := c.transition(j, s, EventAbort); err != nil {
		return
	}
	s.err = cause
	if s.cancelReplay != nil {
		s.cancelReplay()
	}
	c.failTargets(s.targets, cause.Error())
	s.targets = nil
	c.closeLog(s, false)
	c.checkpoint(j, s)

	c.cfg.Metrics.RecordSiteFinished("aborted", time.Since(s.started))
	s.span.RecordError(cause)
	s.span.SetStatus(codes.Error, "aborted")
	s.span.End()

	c.logger.Warn("site rejoin aborted",
		slog.String("rejoin_id", j.id),
		slog.String("site", s.id.String()),
		slog.String("phase", from.String()),
		slog.String("error", cause.Error()))

	if ready := j.strategy.aborted(c, j, s, from); len(ready) > 0 {
		c.requestSnapshot(j, ready)
	}
	c.checkFinished(j)
}

func (c *Coordinator) failTargets(targets []*streamsnap.Target, reason string) {
	for _, t := range targets {
		c.goAsync(func() { t.Fail(reason) })
	}
}

// attachTarget records a stream target created by the engine. A target for a
// site that is already gone is failed right away.
func (c *Coordinator) attachTarget(j *join, s *siteState, t *streamsnap.Target) {
	if s.phase != PhaseSnapshotStreaming {
		reason := "site is no longer streaming"
		if s.err != nil {
			reason = s.err.Error()
		}
		c.failTargets([]*streamsnap.Target{t}, reason)
		return
	}
	s.targets = append(s.targets, t)
	c.goAsync(func() {
		select {
		case <-t.Done():
		case <-c.stopped:
			t.Fail(ErrCoordinatorClosed.Error())
			return
		}
		err := t.Err()
		if err == nil {
			return
		}
		c.post(func() {
			if s.phase == PhaseSnapshotStreaming {
				c.abortSite(j, s, fmt.Errorf("snapshot stream to %s: %w", t.Dest(), err))
			}
		})
	})
}

// awaiting reports whether the coordinator is waiting on the site itself.
func (s *siteState) awaiting() bool {
	switch s.phase {
	case PhaseInitiated:
		return true
	case PhaseSnapshotStreaming:
		return s.requested
	case PhaseReplaying:
		return s.drained
	}
	return false
}

func (c *Coordinator) checkTimeouts(now time.Time) {
	j := c.join
	if j == nil || isClosed(j.done) {
		return
	}
	for _, id := range j.order {
		s := j.sites[id]
		if !s.awaiting() {
			continue
		}
		last := s.since
		if acked := s.lastAck.Load(); acked > 0 && s.phase == PhaseSnapshotStreaming {
			if t := time.Unix(0, acked); t.After(last) {
				last = t
			}
		}
		if now.Sub(last) > c.cfg.SiteTimeout {
			c.abortSite(j, s, fmt.Errorf("%w in phase %s for %s", ErrSiteTimeout, s.phase, now.Sub(last).Round(time.Millisecond)))
		}
	}
}

func (c *Coordinator) checkFinished(j *join) {
	if isClosed(j.done) {
		return
	}
	res := Result{RejoinID: j.id, Aborted: make(map[mailbox.HSId]error)}
	for _, id := range j.order {
		s := j.sites[id]
		switch s.phase {
		case PhaseComplete:
			res.Completed = append(res.Completed, id)
		case PhaseAborted:
			res.Aborted[id] = s.err
		default:
			return
		}
	}
	j.result = res
	close(j.done)
	c.logger.Info("rejoin finished",
		slog.String("rejoin_id", j.id),
		slog.Int("completed", len(res.Completed)),
		slog.Int("aborted", len(res.Aborted)))
}

func (c *Coordinator) checkpoint(j *join, s *siteState) {
	cp := progress.Checkpoint{
		RejoinID:  j.id,
		SiteID:    s.id,
		Phase:     s.phase.String(),
		Cutoff:    s.cutoff,
		Replayed:  s.replayed,
		UpdatedAt: time.Now(),
	}
	if s.err != nil {
		cp.Error = s.err.Error()
	}
	if err := c.cfg.Progress.Save(cp); err != nil {
		c.logger.Warn("failed to save rejoin checkpoint",
			slog.String("site", s.id.String()),
			slog.String("error", err.Error()))
	}
}

// Wait blocks until every site of the current rejoin is complete or aborted.
// It returns ErrSitesAborted alongside the result when any site was aborted.
func (c *Coordinator) Wait(ctx context.Context) (Result, error) {
	var j *join
	if err := c.call(func() { j = c.join }); err != nil {
		return Result{}, err
	}
	if j == nil {
		return Result{}, ErrNoJoin
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	// result is written before done is closed.
	res := j.result
	if len(res.Aborted) > 0 {
		return res, fmt.Errorf("%w: %d of %d", ErrSitesAborted, len(res.Aborted), len(j.order))
	}
	return res, nil
}

// State returns the state of a site in the current rejoin.
func (c *Coordinator) State(siteID mailbox.HSId) (SiteJoinState, error) {
	var (
		st  SiteJoinState
		err error
	)
	if cerr := c.call(func() {
		if c.join == nil {
			err = ErrNoJoin
			return
		}
		s, ok := c.join.sites[siteID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
			return
		}
		st = s.view()
	}); cerr != nil {
		return SiteJoinState{}, cerr
	}
	return st, err
}

// Status returns every site of the current rejoin in join order.
func (c *Coordinator) Status() (Status, error) {
	var (
		st  Status
		err error
	)
	if cerr := c.call(func() {
		j := c.join
		if j == nil {
			err = ErrNoJoin
			return
		}
		st.RejoinID = j.id
		st.Strategy = j.kind
		st.Done = isClosed(j.done)
		st.Sites = make([]SiteJoinState, 0, len(j.order))
		for _, id := range j.order {
			st.Sites = append(st.Sites, j.sites[id].view())
		}
	}); cerr != nil {
		return Status{}, cerr
	}
	return st, err
}

func (s *siteState) view() SiteJoinState {
	return SiteJoinState{
		SiteID:            s.id,
		Phase:             s.phase,
		StreamMailboxID:   s.streamMailboxID,
		TxnID:             s.txnID,
		SnapshotRequested: s.requested,
		Cutoff:            s.cutoff,
		Replayed:          s.replayed,
		Err:               s.err,
	}
}

// LogTask records a transaction task executed while siteID is joining. Tasks
// logged before the site is initiated are dropped because the snapshot
// covers them. Once the site's log has been sealed LogTask blocks until the
// site confirms the replayed tasks, so nothing runs on the site ahead of a
// task still in flight. It then returns ErrSiteLive and the caller must
// execute the task on the site itself. If the site is aborted instead the
// task is dropped and LogTask returns nil.
func (c *Coordinator) LogTask(siteID mailbox.HSId, t tasklog.Task) error {
	c.mu.RLock()
	sl, ok := c.logs[siteID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	if sl.log == nil {
		return nil
	}
	if sl.live.Load() {
		return ErrSiteLive
	}

	_, err := sl.log.Append(t)
	switch {
	case err == nil:
		c.cfg.Metrics.RecordTaskLogged()
		return nil
	case errors.Is(err, tasklog.ErrSealed), errors.Is(err, tasklog.ErrClosed):
		<-sl.handoff
		if sl.live.Load() {
			return ErrSiteLive
		}
		return nil
	default:
		return err
	}
}

// Close aborts whatever is still joining and releases task logs and stream
// targets. It is idempotent.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.call(func() {
			j := c.join
			if j == nil {
				return
			}
			for _, id := range j.order {
				s := j.sites[id]
				if s.phase.Terminal() {
					continue
				}
				// Bypass the strategy so nothing new is started.
				s.phase = PhaseAborted
				s.err = ErrCoordinatorClosed
				if s.cancelReplay != nil {
					s.cancelReplay()
				}
				c.failTargets(s.targets, ErrCoordinatorClosed.Error())
				s.targets = nil
				c.closeLog(s, false)
				c.checkpoint(j, s)
				s.span.SetStatus(codes.Error, "coordinator closed")
				s.span.End()
			}
			c.checkFinished(j)
		})
		close(c.stopped)
		<-c.loopDone
		c.wg.Wait()
		c.receiver.Close()
		c.sender.Close()
	})
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
