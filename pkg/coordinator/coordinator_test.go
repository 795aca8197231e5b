package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/clock"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/sink"
	"github.com/entrhq/relay/pkg/store"
	"github.com/entrhq/relay/pkg/types"
)

const testContext types.ContextID = "tab-1"

var testCredential = "credential-" + strings.Repeat("a", 24)

// scriptedSink records sends and fails on demand.
type scriptedSink struct {
	mu       sync.Mutex
	sends    int
	failWith error
	lastText string
	lastDest string
}

func (s *scriptedSink) Verify(context.Context) (*sink.Identity, error) {
	return &sink.Identity{ID: 7, Username: "relay_test"}, nil
}

func (s *scriptedSink) Send(_ context.Context, destination, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	s.lastDest = destination
	s.lastText = text
	if s.failWith != nil {
		return "", s.failWith
	}
	return "msg-1", nil
}

func (s *scriptedSink) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

type harness struct {
	coord  *Coordinator
	store  *store.MemStore
	cfg    *config.Manager
	clock  *clock.Fake
	sink   *scriptedSink
	events <-chan *types.Event
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*config.Settings)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemStore()
	cfg := config.NewManager(mem)
	require.NoError(t, cfg.Load(ctx))
	require.NoError(t, cfg.Update(ctx, func(s *config.Settings) {
		s.SinkToken = "test-token"
		s.SinkDestination = "chat-1"
		if mutate != nil {
			mutate(s)
		}
	}))

	scripted := &scriptedSink{}
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	coord := New(mem, cfg, clk, WithSinkFactory(func(string) sink.Sink {
		return scripted
	}))
	events := coord.RegisterContext(testContext)
	require.NoError(t, coord.Start(ctx))

	return &harness{
		coord:  coord,
		store:  mem,
		cfg:    cfg,
		clock:  clk,
		sink:   scripted,
		events: events,
		cancel: cancel,
	}
}

func (h *harness) call(t *testing.T, req *types.Request) *types.Response {
	t.Helper()
	require.NoError(t, h.coord.Submit(context.Background(), req))
	select {
	case resp := <-req.Reply:
		require.NotNil(t, resp)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("no response for %s", req.Type)
		return nil
	}
}

// waitEvent reads events until one of the wanted type arrives, skipping
// broadcast noise like settings_changed.
func (h *harness) waitEvent(t *testing.T, want types.EventType) *types.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-h.events:
			require.True(t, ok, "event channel closed")
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
			return nil
		}
	}
}

func testRecord(credential string) *artifact.Record {
	return &artifact.Record{
		CredentialID:  credential,
		SubjectID:     "42",
		SubjectHandle: "someone",
		SourceURL:     "https://app.example.com/home",
		ExtractedAt:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		ClientMeta:    "agent/1.0",
	}
}

func TestSessionDetectedAndQuery(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(testCredential)))
	assert.True(t, resp.OK)

	resp = h.call(t, types.NewGetCurrentArtifactRequest(testContext))
	require.True(t, resp.OK)
	require.NotNil(t, resp.Artifact)
	assert.Equal(t, testCredential, resp.Artifact.CredentialID)

	// Unknown contexts have no artifact, not an error.
	resp = h.call(t, types.NewGetCurrentArtifactRequest("other-tab"))
	assert.True(t, resp.OK)
	assert.Nil(t, resp.Artifact)
}

func TestSessionDetectedRejectsInvalidArtifact(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.call(t, types.NewSessionDetectedRequest(testContext, testRecord("short")))
	assert.False(t, resp.OK)
	assert.Equal(t, types.OutcomeExtractionError, resp.Outcome)

	errs, err := h.coord.ErrorLog(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Equal(t, types.OutcomeExtractionError, errs[0].Outcome)
}

func TestDeliverySuccess(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.call(t, types.NewProcessApprovedRequest(testContext, testRecord(testCredential), types.ConsentManual))
	require.True(t, resp.OK)
	assert.Equal(t, types.OutcomeDelivered, resp.Outcome)
	assert.Equal(t, "msg-1", resp.DeliveryID)
	assert.Equal(t, 1, h.sink.sendCount())
	assert.Contains(t, h.sink.lastText, testCredential)
	assert.Equal(t, "chat-1", h.sink.lastDest)

	// By the time the reply is observable, the history row is durable.
	history, err := h.coord.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Delivered)
	assert.NotNil(t, history[0].DeliveredAt)
	assert.NotContains(t, history[0].CredentialPreview, strings.Repeat("a", 10),
		"history must hold the redacted credential")

	event := h.waitEvent(t, types.EventConsentProcessed)
	assert.Equal(t, types.OutcomeDelivered, event.Outcome)
	assert.Equal(t, "msg-1", event.DeliveryID)
}

func TestDeliveryFailsFastWithoutSink(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		s.SinkToken = ""
		s.SinkDestination = ""
	})

	resp := h.call(t, types.NewProcessApprovedRequest(testContext, testRecord(testCredential), types.ConsentManual))
	assert.False(t, resp.OK)
	assert.Equal(t, types.OutcomeSinkNotConfigured, resp.Outcome)
	assert.Zero(t, h.sink.sendCount(), "no network call may happen without sink settings")

	errs, err := h.coord.ErrorLog(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Equal(t, types.OutcomeSinkNotConfigured, errs[0].Outcome)
}

func TestDeliveryRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.failWith = sink.ErrRejected

	resp := h.call(t, types.NewProcessApprovedRequest(testContext, testRecord(testCredential), types.ConsentManual))
	assert.False(t, resp.OK)
	assert.Equal(t, types.OutcomeSinkRejected, resp.Outcome)
	assert.Equal(t, 1, h.sink.sendCount(), "one approval, at most one send")

	history, err := h.coord.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Delivered)

	event := h.waitEvent(t, types.EventConsentProcessed)
	assert.Equal(t, types.OutcomeSinkRejected, event.Outcome)
}

func TestDeliveryUnreachableOutcome(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.failWith = sink.ErrUnreachable

	resp := h.call(t, types.NewProcessApprovedRequest(testContext, testRecord(testCredential), types.ConsentManual))
	assert.Equal(t, types.OutcomeSinkUnreachable, resp.Outcome)
	assert.Equal(t, 1, h.sink.sendCount())
}

func TestOpenConsentSurfaceAndDenial(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.call(t, types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential)))
	require.True(t, resp.OK)
	assert.False(t, resp.SurfaceOpened, "no opener configured: caller falls back")

	// The pending record is durable for the surface to pull.
	contextID, pending, err := h.coord.PendingArtifact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testContext, contextID)
	require.NotNil(t, pending)
	assert.Equal(t, testCredential, pending.CredentialID)

	resp = h.call(t, types.NewConsentDecisionRequest(&types.Decision{
		ContextID:    testContext,
		CredentialID: testCredential,
		Granted:      false,
	}))
	require.True(t, resp.OK)
	assert.Equal(t, types.OutcomeDenied, resp.Outcome)
	assert.Zero(t, h.sink.sendCount(), "denial must never touch the sink")

	_, pending, err = h.coord.PendingArtifact(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending, "denial wipes the pending record")

	event := h.waitEvent(t, types.EventConsentProcessed)
	assert.Equal(t, types.OutcomeDenied, event.Outcome)
}

func TestOpenConsentSurfaceWithOpener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemStore()
	cfg := config.NewManager(mem)
	require.NoError(t, cfg.Load(ctx))

	var opened []types.ContextID
	coord := New(mem, cfg, clock.NewFake(time.Now()),
		WithSinkFactory(func(string) sink.Sink { return &scriptedSink{} }),
		WithSurfaceOpener(func(id types.ContextID, rec *artifact.Record) error {
			opened = append(opened, id)
			return nil
		}))
	require.NoError(t, coord.Start(ctx))

	req := types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential))
	require.NoError(t, coord.Submit(ctx, req))
	resp := <-req.Reply
	require.True(t, resp.OK)
	assert.True(t, resp.SurfaceOpened)
	assert.Equal(t, []types.ContextID{testContext}, opened)
}

func TestSecondPromptSuppressedNotQueued(t *testing.T) {
	h := newHarness(t, nil)

	first := h.call(t, types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential)))
	require.True(t, first.OK)
	assert.False(t, first.Suppressed)

	second := h.call(t, types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential)))
	assert.True(t, second.OK)
	assert.False(t, second.SurfaceOpened)
	assert.True(t, second.Suppressed,
		"a suppressed prompt must not look like a fallback-open signal")

	// Still exactly one pending record, for the first prompt.
	_, pending, err := h.coord.PendingArtifact(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pending)
}

func TestConsentTimeoutResolvesAsAbandoned(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.call(t, types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential)))
	require.True(t, resp.OK)

	h.clock.Advance(h.cfg.Current().ConsentTimeout.Std() + time.Second)

	event := h.waitEvent(t, types.EventConsentProcessed)
	assert.Equal(t, types.OutcomeConsentAbandoned, event.Outcome)

	require.Eventually(t, func() bool {
		_, pending, err := h.coord.PendingArtifact(context.Background())
		return err == nil && pending == nil
	}, 2*time.Second, 10*time.Millisecond, "timeout must wipe the pending record")
	assert.Zero(t, h.sink.sendCount())
}

func TestClearArtifactDataIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(testCredential)))
	h.call(t, types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential)))

	resp := h.call(t, types.NewClearArtifactDataRequest(testContext))
	require.True(t, resp.OK)

	query := h.call(t, types.NewGetCurrentArtifactRequest(testContext))
	assert.Nil(t, query.Artifact)

	_, pending, err := h.coord.PendingArtifact(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)

	// Clearing again succeeds with nothing to do.
	resp = h.call(t, types.NewClearArtifactDataRequest(testContext))
	assert.True(t, resp.OK)

	event := h.waitEvent(t, types.EventArtifactCleared)
	assert.Equal(t, testContext, event.ContextID)
}

func TestContextClosedAbandonsPrompt(t *testing.T) {
	h := newHarness(t, nil)

	h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(testCredential)))
	h.call(t, types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential)))

	require.NoError(t, h.coord.Submit(context.Background(), types.NewContextClosedRequest(testContext)))

	require.Eventually(t, func() bool {
		_, pending, err := h.coord.PendingArtifact(context.Background())
		return err == nil && pending == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Abandonment records no decision: a fresh registration prompts again.
	events := h.coord.RegisterContext(testContext)
	_ = events
	resp := h.call(t, types.NewOpenConsentSurfaceRequest(testContext, testRecord(testCredential)))
	assert.True(t, resp.OK)
}

func TestHistoryIsCappedNewestFirst(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		s.HistoryLimit = 3
	})

	credentials := []string{
		"credential-aaaaaaaaaaaaaaaaaaaa",
		"credential-bbbbbbbbbbbbbbbbbbbb",
		"credential-cccccccccccccccccccc",
		"credential-dddddddddddddddddddd",
	}
	for _, credential := range credentials {
		resp := h.call(t, types.NewProcessApprovedRequest(testContext, testRecord(credential), types.ConsentManual))
		require.True(t, resp.OK)
	}

	history, err := h.coord.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, artifact.Redact(credentials[3]), history[0].CredentialPreview)
	assert.Equal(t, artifact.Redact(credentials[1]), history[2].CredentialPreview)
}

func TestSessionSweepPurgesAgedHistory(t *testing.T) {
	h := newHarness(t, nil)

	h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(testCredential)))
	resp := h.call(t, types.NewProcessApprovedRequest(testContext, testRecord(testCredential), types.ConsentManual))
	require.True(t, resp.OK)

	history, err := h.coord.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)

	h.clock.Advance(h.cfg.Current().SessionTTL.Std() + time.Hour)

	require.Eventually(t, func() bool {
		history, err := h.coord.History(context.Background())
		return err == nil && len(history) == 0
	}, 2*time.Second, 10*time.Millisecond, "aged history rows must be purged with their sessions")

	query := h.call(t, types.NewGetCurrentArtifactRequest(testContext))
	assert.Nil(t, query.Artifact, "the session entry ages out with its history")
}

func TestReportErrorIsRecorded(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.coord.Submit(context.Background(), types.NewReportErrorRequest(testContext, &types.ErrorReport{
		Component: "detector",
		Message:   "cookie store unavailable",
		Outcome:   types.OutcomeExtractionError,
	})))

	require.Eventually(t, func() bool {
		errs, err := h.coord.ErrorLog(context.Background())
		return err == nil && len(errs) == 1 && errs[0].Component == "detector"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActivityLogRespectsToggle(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		s.LogActivities = false
	})

	h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(testCredential)))

	activities, err := h.coord.ActivityLog(context.Background())
	require.NoError(t, err)
	assert.Empty(t, activities)

	// Errors are retained regardless of the toggle.
	h.call(t, types.NewSessionDetectedRequest(testContext, testRecord("short")))
	errs, err := h.coord.ErrorLog(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}

func TestLogSweepDropsAgedEntriesBeyondTail(t *testing.T) {
	h := newHarness(t, nil)

	// Well past the protected tail, all entries the same age.
	total := logSweepKeep + 5
	for i := 0; i < total; i++ {
		credential := fmt.Sprintf("credential-%02d-%s", i, strings.Repeat("x", 16))
		resp := h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(credential)))
		require.True(t, resp.OK)
	}
	activities, err := h.coord.ActivityLog(context.Background())
	require.NoError(t, err)
	require.Len(t, activities, total)
	newest := activities[0].ID

	h.clock.Advance(h.cfg.Current().LogRetention.Std() + 2*time.Hour)

	require.Eventually(t, func() bool {
		activities, err := h.coord.ActivityLog(context.Background())
		return err == nil && len(activities) == logSweepKeep
	}, 2*time.Second, 10*time.Millisecond)

	activities, err = h.coord.ActivityLog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newest, activities[0].ID, "the sweep keeps the newest entries")
}

func TestLogSweepKeepsRecentTailThroughIdle(t *testing.T) {
	h := newHarness(t, nil)

	h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(testCredential)))
	activities, err := h.coord.ActivityLog(context.Background())
	require.NoError(t, err)
	require.Len(t, activities, 1)

	// A long-idle install: every entry is past retention, but the sweep
	// never trims into the recent tail.
	h.clock.Advance(h.cfg.Current().LogRetention.Std() + 2*time.Hour)
	time.Sleep(100 * time.Millisecond)

	activities, err = h.coord.ActivityLog(context.Background())
	require.NoError(t, err)
	assert.Len(t, activities, 1, "waking from idle must not empty the log")
}

func TestVerifySinkCachesIdentity(t *testing.T) {
	h := newHarness(t, nil)

	identity, err := h.coord.VerifySink(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "relay_test", identity.Username)

	stats := h.coord.Stats()
	require.NotNil(t, stats.SinkIdentity)
	assert.Equal(t, "relay_test", stats.SinkIdentity.Username)
	assert.True(t, stats.SinkConfigured)
}

func TestStatsCountsSessions(t *testing.T) {
	h := newHarness(t, nil)

	h.call(t, types.NewSessionDetectedRequest(testContext, testRecord(testCredential)))
	resp := h.call(t, types.NewProcessApprovedRequest(testContext, testRecord(testCredential), types.ConsentManual))
	require.True(t, resp.OK)

	stats := h.coord.Stats()
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.DeliveredSessions)
	assert.False(t, stats.LastDeliveryAt.IsZero())
}
