package detector

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/clock"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/consent"
	"github.com/entrhq/relay/pkg/page"
	"github.com/entrhq/relay/pkg/store"
	"github.com/entrhq/relay/pkg/types"
)

const testContext types.ContextID = "tab-1"

var testCredential = "credential-" + strings.Repeat("a", 24)

// fakeDispatcher answers every request immediately with a scripted
// response and records what the detector sent.
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []*types.Request
	handler  func(req *types.Request) *types.Response
}

func (f *fakeDispatcher) Submit(_ context.Context, req *types.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.handler
	f.mu.Unlock()

	if req.WantsReply() {
		resp := &types.Response{OK: true, SurfaceOpened: true}
		if handler != nil {
			resp = handler(req)
		}
		req.Reply <- resp
		close(req.Reply)
	}
	return nil
}

func (f *fakeDispatcher) ofType(want types.RequestType) []*types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Request
	for _, req := range f.requests {
		if req.Type == want {
			out = append(out, req)
		}
	}
	return out
}

type fixture struct {
	detector   *Detector
	page       *page.FakePage
	dispatcher *fakeDispatcher
	book       *consent.Book
	cfg        *config.Manager
	clock      *clock.Fake
}

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemStore()
	cfg := config.NewManager(mem)
	require.NoError(t, cfg.Load(ctx))
	require.NoError(t, cfg.Update(ctx, func(s *config.Settings) {
		s.WatchPatterns = []string{"https://app.example.com/*"}
		s.SinkToken = "test-token"
		s.SinkDestination = "chat-1"
		if mutate != nil {
			mutate(s)
		}
	}))

	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	book := consent.NewBook(mem, clk)
	dispatcher := &fakeDispatcher{}
	fake := page.NewFakePage("https://app.example.com/home")
	fake.SetCookie("session_token", testCredential)

	d, err := New(testContext, fake, cfg, book, dispatcher, clk, nil)
	require.NoError(t, err)

	return &fixture{
		detector:   d,
		page:       fake,
		dispatcher: dispatcher,
		book:       book,
		cfg:        cfg,
		clock:      clk,
	}
}

func TestCheckAnnouncesAndOpensSurface(t *testing.T) {
	f := newFixture(t, nil)

	f.detector.check(context.Background())

	detected := f.dispatcher.ofType(types.RequestSessionDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, testCredential, detected[0].Artifact.CredentialID)

	opened := f.dispatcher.ofType(types.RequestOpenConsentSurface)
	require.Len(t, opened, 1)
	assert.Equal(t, testCredential, opened[0].Artifact.CredentialID)
}

func TestSameCredentialDoesNotRetrigger(t *testing.T) {
	f := newFixture(t, nil)

	f.detector.check(context.Background())
	f.detector.check(context.Background())
	f.detector.check(context.Background())

	assert.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 1)
	assert.Len(t, f.dispatcher.ofType(types.RequestOpenConsentSurface), 1)
}

func TestNewCredentialTriggersFreshConsent(t *testing.T) {
	f := newFixture(t, nil)

	f.detector.check(context.Background())
	f.page.SetCookie("session_token", "credential-"+strings.Repeat("b", 24))
	f.detector.check(context.Background())

	assert.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 2)
}

func TestPageOutsideWatchlistIsNeverPolled(t *testing.T) {
	f := newFixture(t, nil)
	f.page.SetURL("https://other.site/page")

	f.detector.check(context.Background())
	assert.Empty(t, f.dispatcher.requests)
}

func TestMissingCredentialIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	f.page.SetCookie("session_token", "")

	f.detector.check(context.Background())
	assert.Empty(t, f.dispatcher.requests, "no session is a normal page state")
}

func TestCookieAccessFailureIsReportedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.page.CookieErr = assert.AnError

	f.detector.check(context.Background())
	f.detector.check(context.Background())

	reports := f.dispatcher.ofType(types.RequestReportError)
	require.Len(t, reports, 1, "identical failures are reported once")
	assert.Equal(t, types.OutcomeExtractionError, reports[0].Report.Outcome)
}

func TestRememberedGrantDeliversSilently(t *testing.T) {
	f := newFixture(t, nil) // default settings, confirmation on
	require.NoError(t, f.book.RecordDecision(context.Background(), &types.Decision{
		ContextID:    testContext,
		CredentialID: testCredential,
		Granted:      true,
		Remember:     true,
		DecidedAt:    f.clock.Now(),
	}))

	// Re-detection well inside the remember window: no new prompt, one
	// silent delivery.
	f.clock.Advance(30 * time.Minute)
	f.detector.check(context.Background())

	approved := f.dispatcher.ofType(types.RequestProcessApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, types.ConsentRemembered, approved[0].Consent)
	assert.Empty(t, f.dispatcher.ofType(types.RequestOpenConsentSurface))
}

func TestRememberedGrantExpiresAfterWindow(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.book.RecordDecision(context.Background(), &types.Decision{
		ContextID:    testContext,
		CredentialID: testCredential,
		Granted:      true,
		Remember:     true,
		DecidedAt:    f.clock.Now(),
	}))

	f.clock.Advance(f.cfg.Current().RememberWindow.Std() + time.Minute)
	f.detector.check(context.Background())

	assert.Empty(t, f.dispatcher.ofType(types.RequestProcessApproved))
	assert.Len(t, f.dispatcher.ofType(types.RequestOpenConsentSurface), 1,
		"an elapsed remember window requires a fresh prompt")
}

func TestConfirmationOffSuppressesPrompt(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.RequireConfirmation = false
	})

	f.detector.check(context.Background())

	assert.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 1)
	assert.Empty(t, f.dispatcher.ofType(types.RequestOpenConsentSurface))
	assert.Empty(t, f.dispatcher.ofType(types.RequestProcessApproved))
}

func TestRememberedDenialStaysSilent(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.book.RecordDecision(context.Background(), &types.Decision{
		ContextID:    testContext,
		CredentialID: testCredential,
		Granted:      false,
		Remember:     true,
		DecidedAt:    f.clock.Now(),
	}))

	f.detector.check(context.Background())

	assert.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 1)
	assert.Empty(t, f.dispatcher.ofType(types.RequestOpenConsentSurface))
	assert.Empty(t, f.dispatcher.ofType(types.RequestProcessApproved))
}

func TestCooldownSuppressesSurfaceRequest(t *testing.T) {
	f := newFixture(t, nil)

	// A prompt for this credential was just issued and resolved.
	_, err := f.book.BeginPrompt(testContext, testCredential)
	require.NoError(t, err)
	f.book.ResolvePrompt(testContext)

	f.detector.check(context.Background())

	assert.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 1)
	assert.Empty(t, f.dispatcher.ofType(types.RequestOpenConsentSurface))
}

func TestSurfaceFallbackWhenCoordinatorCannotOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.handler = func(req *types.Request) *types.Response {
		return &types.Response{OK: true, SurfaceOpened: false}
	}

	var fallbackFor []types.ContextID
	WithSurfaceFallback(func(id types.ContextID, rec *artifact.Record) error {
		fallbackFor = append(fallbackFor, id)
		return nil
	})(f.detector)

	f.detector.check(context.Background())
	assert.Equal(t, []types.ContextID{testContext}, fallbackFor)
}

func TestSuppressedPromptDoesNotOpenFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.handler = func(req *types.Request) *types.Response {
		return &types.Response{OK: true, Suppressed: true}
	}

	var fallbackFor []types.ContextID
	WithSurfaceFallback(func(id types.ContextID, rec *artifact.Record) error {
		fallbackFor = append(fallbackFor, id)
		return nil
	})(f.detector)

	f.detector.check(context.Background())
	assert.Empty(t, fallbackFor,
		"a suppressed detection must not put a second surface on screen")
}

func TestPollBudgetAndRearm(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.MaxPollAttempts = 2
		s.PollInterval = config.Duration(3 * time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.detector.Start(ctx)
	// Let the loop register its ticker before advancing the clock.
	time.Sleep(10 * time.Millisecond)

	waitDetected := func(n int) {
		require.Eventually(t, func() bool {
			return len(f.dispatcher.ofType(types.RequestSessionDetected)) == n
		}, 2*time.Second, 5*time.Millisecond)
	}

	f.clock.Advance(3 * time.Second)
	waitDetected(1)

	f.page.SetCookie("session_token", "credential-"+strings.Repeat("b", 24))
	f.clock.Advance(3 * time.Second)
	waitDetected(2)

	// Budget exhausted: further ticks do not poll.
	f.page.SetCookie("session_token", "credential-"+strings.Repeat("c", 24))
	f.clock.Advance(3 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 2)

	// Navigation re-arms a single extra check.
	f.detector.Rearm()
	waitDetected(3)
}

func TestStartAnnouncesContextClosed(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go f.detector.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		return len(f.dispatcher.ofType(types.RequestContextClosed)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConsentProcessedEventNotifies(t *testing.T) {
	f := newFixture(t, nil)
	var notices []string
	WithNotifier(func(title, message string) {
		notices = append(notices, title)
	})(f.detector)

	f.detector.handleEvent(types.NewConsentProcessedEvent(testContext, types.OutcomeDelivered, "msg-1", ""))
	f.detector.handleEvent(types.NewConsentProcessedEvent(testContext, types.OutcomeDenied, "", ""))
	f.detector.handleEvent(types.NewConsentProcessedEvent(testContext, types.OutcomeSinkRejected, "", "bad chat"))
	f.detector.handleEvent(types.NewConsentProcessedEvent(testContext, types.OutcomeConsentAbandoned, "", ""))

	assert.Equal(t, []string{"Session relayed", "Delivery declined", "Delivery failed"}, notices,
		"abandonment stays silent")
}

func TestArtifactClearedEventResetsDedup(t *testing.T) {
	f := newFixture(t, nil)

	f.detector.check(context.Background())
	require.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 1)

	f.detector.handleEvent(types.NewArtifactClearedEvent(testContext))

	// Same credential now re-announces: the wipe reset local state too.
	// Consent-side suppression (cooldown) is the coordinator's concern.
	f.detector.check(context.Background())
	assert.Len(t, f.dispatcher.ofType(types.RequestSessionDetected), 2)
}
