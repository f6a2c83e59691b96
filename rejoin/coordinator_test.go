// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rejoin

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/progress"
	"github.com/absmach/rejoin/snapshot"
	"github.com/absmach/rejoin/streamsnap"
	"github.com/absmach/rejoin/tasklog"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var coordID = mailbox.NewHSId(1, 1)

type recordingApplier struct {
	mu         sync.Mutex
	schemas    int
	rows       int
	hashinator []byte
}

func (a *recordingApplier) ApplySchema(uint32, []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schemas++
	return nil
}

func (a *recordingApplier) ApplyData(uint32, []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows++
	return nil
}

func (a *recordingApplier) ApplyHashinator(config []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashinator = append([]byte(nil), config...)
	return nil
}

type failingEngine struct{ err error }

func (e failingEngine) Submit(context.Context, []byte, snapshot.Sink) error { return e.err }

type harness struct {
	t         *testing.T
	logger    *slog.Logger
	fabric    *mailbox.Local
	engine    *snapshot.MemoryEngine
	store     *progress.MemoryStore
	coord     *Coordinator
	clock     atomic.Int64
	fatals    chan error
	completed chan mailbox.HSId
	overflow  string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:         t,
		logger:    logger,
		fabric:    mailbox.NewLocal(256, logger),
		store:     progress.NewMemoryStore(),
		fatals:    make(chan error, 8),
		completed: make(chan mailbox.HSId, 8),
		overflow:  t.TempDir(),
	}
	h.engine = snapshot.NewMemoryEngine([]snapshot.MemTable{{
		Table:  snapshot.Table{ID: 1, Name: "accounts"},
		Schema: []byte("id,balance"),
		Chunks: [][]byte{[]byte("1,10"), []byte("2,20")},
	}}, logger)

	cfg := Config{
		ID:                   coordID,
		Fabric:               h.fabric,
		Engine:               h.engine,
		Clock:                ClockFunc(h.clock.Load),
		Hashinator:           []byte("ring"),
		LowestSite:           true,
		Compression:          streamsnap.CompressionS2,
		ReplayPollInterval:   time.Millisecond,
		Progress:             h.store,
		OnSiteRejoinComplete: func(id mailbox.HSId) { h.completed <- id },
		OnFatal:              func(err error) { h.fatals <- err },
		Logger:               logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	h.coord = c
	t.Cleanup(func() {
		c.Close()
		h.engine.Wait()
		h.fabric.Close()
	})
	return h
}

type testSite struct {
	id      mailbox.HSId
	stream  mailbox.HSId
	inbox   *mailbox.Inbox
	applier *recordingApplier
	sink    *streamsnap.Sink
}

func (h *harness) addSite(host, site uint32) *testSite {
	h.t.Helper()
	id := mailbox.NewHSId(host, site)
	inbox, err := h.fabric.CreateMailbox(id)
	require.NoError(h.t, err)
	return &testSite{
		id:      id,
		stream:  mailbox.NewHSId(host, 100+site),
		inbox:   inbox,
		applier: &recordingApplier{},
	}
}

func (h *harness) recv(s *testSite) Message {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := s.inbox.Recv(ctx)
	require.NoError(h.t, err, "site %s got no message", s.id)
	msg, err := Decode(env.Payload)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) expectNothing(s *testSite) {
	h.t.Helper()
	select {
	case env := <-s.inbox.C():
		msg, _ := Decode(env.Payload)
		h.t.Fatalf("site %s got unexpected %v", s.id, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// respond opens the site's snapshot sink and answers the initiation.
func (h *harness) respond(s *testSite) {
	h.t.Helper()
	sink, err := streamsnap.NewSink(h.fabric, s.stream, 1, s.applier, h.logger)
	require.NoError(h.t, err)
	s.sink = sink
	h.t.Cleanup(sink.Close)

	require.NoError(h.t, h.coord.Deliver(InitiationResponse{
		Source:          s.id,
		SiteID:          s.id,
		TxnID:           1,
		StreamMailboxID: s.stream,
	}))
}

func (h *harness) finishSnapshot(s *testSite) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, s.sink.Wait(ctx))
	require.NoError(h.t, h.coord.Deliver(SnapshotFinished{Source: s.id, SiteID: s.id}))
}

// drainReplay collects replayed ordinals up to ReplayDone.
func (h *harness) drainReplay(s *testSite) []int64 {
	h.t.Helper()
	var got []int64
	for {
		switch m := h.recv(s).(type) {
		case ReplayTask:
			require.Equal(h.t, s.id, m.SiteID)
			got = append(got, m.Ordinal)
		case ReplayDone:
			require.Equal(h.t, uint64(len(got)), m.Count)
			return got
		default:
			h.t.Fatalf("unexpected %s during replay", m.Kind())
		}
	}
}

func (h *harness) finishReplay(s *testSite) {
	h.t.Helper()
	require.NoError(h.t, h.coord.Deliver(ReplayFinished{Source: s.id, SiteID: s.id}))
}

func (h *harness) wait() (Result, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.coord.Wait(ctx)
}

func (h *harness) state(s *testSite) SiteJoinState {
	h.t.Helper()
	st, err := h.coord.State(s.id)
	require.NoError(h.t, err)
	return st
}

func (h *harness) requests(n int) []snapshot.Request {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.engine.Requests()) == n }, 5*time.Second, 5*time.Millisecond)
	return h.engine.Requests()
}

func (h *harness) logTask(s *testSite, ordinal int64) error {
	return h.coord.LogTask(s.id, tasklog.Task{PartitionID: 1, Ordinal: ordinal, Payload: []byte("proc")})
}

func (h *harness) logTaskAsync(s *testSite, ordinal int64) <-chan error {
	logged := make(chan error, 1)
	go func() { logged <- h.logTask(s, ordinal) }()
	return logged
}

func (h *harness) expectBlocked(logged <-chan error) {
	h.t.Helper()
	select {
	case err := <-logged:
		h.t.Fatalf("LogTask returned before the handoff: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) awaitLogged(logged <-chan error) error {
	h.t.Helper()
	select {
	case err := <-logged:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("LogTask still blocked")
		return nil
	}
}

func TestParallelJoinWaitsForEveryResponse(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.addSite(2, 1), h.addSite(2, 2)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id, b.id}, Parallel, h.overflow))
	for _, s := range []*testSite{a, b} {
		msg, ok := h.recv(s).(InitiationBroadcast)
		require.True(t, ok)
		assert.Equal(t, coordID, msg.MailboxID)
		assert.Equal(t, PhaseInitiated, h.state(s).Phase)
	}

	h.respond(a)
	st := h.state(a)
	assert.Equal(t, PhaseSnapshotStreaming, st.Phase)
	assert.False(t, st.SnapshotRequested)
	assert.Empty(t, h.engine.Requests())

	h.respond(b)
	reqs := h.requests(1)
	assert.ElementsMatch(t, []mailbox.HSId{a.stream, b.stream}, reqs[0].Streams.Destinations)
	assert.True(t, h.state(a).SnapshotRequested)

	for _, s := range []*testSite{a, b} {
		h.finishSnapshot(s)
		assert.Empty(t, h.drainReplay(s))
		h.finishReplay(s)
	}

	res, err := h.wait()
	require.NoError(t, err)
	assert.Equal(t, []mailbox.HSId{a.id, b.id}, res.Completed)
	assert.Empty(t, res.Aborted)

	status, err := h.coord.Status()
	require.NoError(t, err)
	assert.Equal(t, res.RejoinID, status.RejoinID)
	assert.Equal(t, Parallel, status.Strategy)
	assert.True(t, status.Done)
	require.Len(t, status.Sites, 2)
	for i, s := range []*testSite{a, b} {
		assert.Equal(t, s.id, status.Sites[i].SiteID)
		assert.Equal(t, PhaseComplete, status.Sites[i].Phase)
	}

	done := []mailbox.HSId{<-h.completed, <-h.completed}
	assert.ElementsMatch(t, []mailbox.HSId{a.id, b.id}, done)

	for _, s := range []*testSite{a, b} {
		assert.Equal(t, []byte("ring"), s.applier.hashinator)
		assert.Equal(t, 1, s.applier.schemas)
		assert.Equal(t, 2, s.applier.rows)
	}
}

func TestSnapshotFinishedBeforeBarrierIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.addSite(2, 1), h.addSite(2, 2)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id, b.id}, Parallel, h.overflow))
	h.recv(a)
	h.recv(b)
	h.respond(a)

	err := h.coord.Deliver(SnapshotFinished{Source: a.id, SiteID: a.id})
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
	assert.True(t, errors.IsAssertionFailure(<-h.fatals))
	assert.Empty(t, h.engine.Requests())
}

func TestReplayFinishedBeforeSnapshotIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSite(2, 1)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id}, Sequential, h.overflow))
	_, ok := h.recv(a).(Initiation)
	require.True(t, ok)

	err := h.coord.Deliver(ReplayFinished{Source: a.id, SiteID: a.id})
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
	assert.Error(t, <-h.fatals)
	assert.Equal(t, PhaseInitiated, h.state(a).Phase)

	select {
	case id := <-h.completed:
		t.Fatalf("site %s completed without a snapshot", id)
	default:
	}
}

func TestSequentialJoinReplaysSuffix(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.addSite(2, 1), h.addSite(2, 2)
	h.clock.Store(5)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id, b.id}, Sequential, h.overflow))
	_, ok := h.recv(a).(Initiation)
	require.True(t, ok)
	h.expectNothing(b)

	// Tasks up to the cutoff are covered by the snapshot.
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, h.logTask(a, i))
	}
	// b is not initiated yet, its tasks are in the snapshot it will get.
	require.NoError(t, h.logTask(b, 3))

	h.respond(a)
	reqs := h.requests(1)
	assert.Equal(t, []mailbox.HSId{a.stream}, reqs[0].Streams.Destinations)
	assert.Equal(t, int64(5), h.state(a).Cutoff)

	for i := int64(6); i <= 8; i++ {
		require.NoError(t, h.logTask(a, i))
	}
	h.finishSnapshot(a)

	_, ok = h.recv(b).(Initiation)
	require.True(t, ok)
	assert.Equal(t, []int64{6, 7, 8}, h.drainReplay(a))

	// The log is sealed but the site has not confirmed the replay yet.
	logged := h.logTaskAsync(a, 9)
	h.expectBlocked(logged)

	h.finishReplay(a)
	assert.ErrorIs(t, h.awaitLogged(logged), ErrSiteLive)
	assert.Equal(t, a.id, <-h.completed)
	assert.ErrorIs(t, h.logTask(a, 10), ErrSiteLive)
	assert.Equal(t, PhaseComplete, h.state(a).Phase)
	assert.Equal(t, uint64(3), h.state(a).Replayed)

	h.clock.Store(9)
	h.respond(b)
	reqs = h.requests(2)
	assert.Equal(t, []mailbox.HSId{b.stream}, reqs[1].Streams.Destinations)
	h.finishSnapshot(b)
	assert.Empty(t, h.drainReplay(b))
	h.finishReplay(b)
	assert.Equal(t, b.id, <-h.completed)

	res, err := h.wait()
	require.NoError(t, err)
	assert.Equal(t, []mailbox.HSId{a.id, b.id}, res.Completed)

	cps, err := h.store.Load(res.RejoinID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "Complete", cps[0].Phase)
	assert.Equal(t, int64(5), cps[0].Cutoff)
	assert.Equal(t, uint64(3), cps[0].Replayed)
	assert.Equal(t, int64(9), cps[1].Cutoff)
}

func TestSiteTimeoutReleasesBarrier(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SiteTimeout = 300 * time.Millisecond })
	a, b := h.addSite(2, 1), h.addSite(2, 2)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id, b.id}, Parallel, h.overflow))
	h.recv(a)
	h.recv(b)
	h.respond(a)

	reqs := h.requests(1)
	assert.Equal(t, []mailbox.HSId{a.stream}, reqs[0].Streams.Destinations)

	st := h.state(b)
	assert.Equal(t, PhaseAborted, st.Phase)
	assert.ErrorIs(t, st.Err, ErrSiteTimeout)

	h.finishSnapshot(a)
	h.drainReplay(a)
	h.finishReplay(a)

	res, err := h.wait()
	assert.ErrorIs(t, err, ErrSitesAborted)
	assert.Equal(t, []mailbox.HSId{a.id}, res.Completed)
	require.Contains(t, res.Aborted, b.id)
	assert.ErrorIs(t, res.Aborted[b.id], ErrSiteTimeout)

	// Late messages from an aborted site are dropped.
	assert.NoError(t, h.coord.Deliver(InitiationResponse{Source: b.id, SiteID: b.id, StreamMailboxID: b.stream}))
}

func TestSealedLogWaitsForReplayConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSite(2, 1)
	h.clock.Store(3)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id}, Parallel, h.overflow))
	h.recv(a)
	h.respond(a)
	h.requests(1)
	require.NoError(t, h.logTask(a, 4))
	h.finishSnapshot(a)
	assert.Equal(t, []int64{4}, h.drainReplay(a))

	// Every producer waits for the handoff.
	first := h.logTaskAsync(a, 5)
	h.expectBlocked(first)
	second := h.logTaskAsync(a, 6)
	h.expectBlocked(second)

	h.finishReplay(a)
	assert.ErrorIs(t, h.awaitLogged(first), ErrSiteLive)
	assert.ErrorIs(t, h.awaitLogged(second), ErrSiteLive)

	res, err := h.wait()
	require.NoError(t, err)
	assert.Equal(t, []mailbox.HSId{a.id}, res.Completed)
}

func TestAbortDuringHandoffDropsTask(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SiteTimeout = 500 * time.Millisecond })
	a := h.addSite(2, 1)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id}, Parallel, h.overflow))
	h.recv(a)
	h.respond(a)
	h.requests(1)
	h.finishSnapshot(a)
	assert.Empty(t, h.drainReplay(a))

	// The site never confirms the replay, so the timeout abandons it.
	logged := h.logTaskAsync(a, 1)
	assert.NoError(t, h.awaitLogged(logged))

	st := h.state(a)
	assert.Equal(t, PhaseAborted, st.Phase)
	assert.ErrorIs(t, st.Err, ErrSiteTimeout)
	assert.NoError(t, h.logTask(a, 2))
}

func TestFullMailboxDoesNotStallInitiation(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SendTimeout = 100 * time.Millisecond })
	a, b := h.addSite(2, 1), h.addSite(2, 2)

	// a stopped draining its mailbox.
	ctx := context.Background()
	for i := 0; i < 256; i++ {
		require.NoError(t, h.fabric.Send(ctx, b.id, []mailbox.HSId{a.id}, []byte("backlog")))
	}

	require.NoError(t, h.coord.StartJoin(ctx, []mailbox.HSId{a.id, b.id}, Sequential, h.overflow))
	_, ok := h.recv(b).(Initiation)
	require.True(t, ok)

	st := h.state(a)
	assert.Equal(t, PhaseAborted, st.Phase)
	assert.ErrorIs(t, st.Err, context.DeadlineExceeded)
	assert.Equal(t, PhaseInitiated, h.state(b).Phase)

	h.respond(b)
	h.requests(1)
	h.finishSnapshot(b)
	h.drainReplay(b)
	h.finishReplay(b)

	res, err := h.wait()
	assert.ErrorIs(t, err, ErrSitesAborted)
	assert.Equal(t, []mailbox.HSId{b.id}, res.Completed)
	assert.Contains(t, res.Aborted, a.id)
}

func TestSubmitFailureAbortsRequestedSites(t *testing.T) {
	boom := errors.New("engine down")
	h := newHarness(t, func(c *Config) { c.Engine = failingEngine{err: boom} })
	a := h.addSite(2, 1)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id}, Parallel, h.overflow))
	h.recv(a)
	h.respond(a)

	res, err := h.wait()
	assert.ErrorIs(t, err, ErrSitesAborted)
	assert.ErrorIs(t, res.Aborted[a.id], boom)
	assert.NoError(t, h.logTask(a, 1))
}

func TestStartJoinValidation(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSite(2, 1)
	ctx := context.Background()

	_, err := h.coord.Wait(ctx)
	assert.ErrorIs(t, err, ErrNoJoin)
	_, err = h.coord.Status()
	assert.ErrorIs(t, err, ErrNoJoin)
	assert.ErrorIs(t, h.coord.Deliver(SnapshotFinished{Source: a.id, SiteID: a.id}), ErrNoJoin)

	assert.ErrorIs(t, h.coord.StartJoin(ctx, nil, Parallel, h.overflow), ErrNoSites)
	assert.ErrorIs(t, h.coord.StartJoin(ctx, []mailbox.HSId{a.id, a.id}, Parallel, h.overflow), ErrDuplicateSite)
	assert.Error(t, h.coord.StartJoin(ctx, []mailbox.HSId{a.id}, Strategy(9), h.overflow))

	require.NoError(t, h.coord.StartJoin(ctx, []mailbox.HSId{a.id}, Parallel, h.overflow))
	assert.ErrorIs(t, h.coord.StartJoin(ctx, []mailbox.HSId{a.id}, Parallel, h.overflow), ErrJoinInProgress)

	other := mailbox.NewHSId(7, 7)
	assert.ErrorIs(t, h.coord.LogTask(other, tasklog.Task{Ordinal: 1}), ErrUnknownSite)
	_, err = h.coord.State(other)
	assert.ErrorIs(t, err, ErrUnknownSite)
	assert.ErrorIs(t, h.coord.Deliver(SnapshotFinished{Source: other, SiteID: other}), ErrUnknownSite)
	assert.ErrorIs(t, h.coord.Deliver(Initiation{Source: other}), ErrUnexpectedMessage)
}

func TestCloseAbortsPendingSites(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSite(2, 1)

	require.NoError(t, h.coord.StartJoin(context.Background(), []mailbox.HSId{a.id}, Parallel, h.overflow))
	h.recv(a)
	require.NoError(t, h.logTask(a, 1))

	require.NoError(t, h.coord.Close())
	require.NoError(t, h.coord.Close())

	_, err := h.coord.State(a.id)
	assert.ErrorIs(t, err, ErrCoordinatorClosed)

	ids, err := h.store.Rejoins()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	cps, err := h.store.Load(ids[0])
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "Aborted", cps[0].Phase)
	assert.Equal(t, ErrCoordinatorClosed.Error(), cps[0].Error)
}
