package telephony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/birddigital/browser-phone-bridge/pkg/signalwire"
)

// fakeCarrier records requests and answers from canned values.
type fakeCarrier struct {
	mu        sync.Mutex
	created   []signalwire.CallRequest
	updated   []string
	nextSID   int
	createErr error
	updateErr error
	calls     map[string]*signalwire.Call
	getErr    error
	account   *signalwire.Account
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		calls:   make(map[string]*signalwire.Call),
		account: &signalwire.Account{SID: "AC1", FriendlyName: "Bridge", Status: "active"},
	}
}

func (c *fakeCarrier) CreateCall(_ context.Context, req signalwire.CallRequest) (*signalwire.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.nextSID++
	return &signalwire.Call{SID: fmt.Sprintf("CA%d", c.nextSID), To: req.To, From: req.From, Status: "queued"}, nil
}

func (c *fakeCarrier) UpdateCallStatus(_ context.Context, callSID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = append(c.updated, callSID+"="+status)
	return c.updateErr
}

func (c *fakeCarrier) GetCall(_ context.Context, callSID string) (*signalwire.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	call, ok := c.calls[callSID]
	if !ok {
		return nil, &signalwire.APIError{StatusCode: 404, Body: "not found"}
	}
	return call, nil
}

func (c *fakeCarrier) GetAccountInfo(context.Context) (*signalwire.Account, error) {
	return c.account, nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []CallEvent
}

func (p *recordingPublisher) Publish(ev CallEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []CallEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CallEventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingJournal struct {
	mu      sync.Mutex
	records []CallSession
}

func (j *recordingJournal) Record(_ context.Context, s CallSession) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, s)
	return nil
}

type orchestratorFixture struct {
	o         *CallOrchestrator
	carrier   *fakeCarrier
	publisher *recordingPublisher
	journal   *recordingJournal
	metrics   *Metrics
	clock     *fakeClock
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	clock := newFakeClock()
	carrier := newFakeCarrier()
	publisher := &recordingPublisher{}
	journal := &recordingJournal{}
	registry := NewCallRegistry()
	limiter := NewRateLimiter(5, time.Minute, time.Hour)
	limiter.now = clock.Now

	metrics := NewMetrics(prometheus.NewRegistry(), registry)
	o := NewCallOrchestrator(Options{
		Carrier:   carrier,
		Registry:  registry,
		Limiter:   limiter,
		Resolver:  StaticClientResolver{Identity: "agent"},
		Publisher: publisher,
		Journal:   journal,
		Metrics:   metrics,
		CallerID:  "+15550000000",
	})
	o.now = clock.Now

	return &orchestratorFixture{o: o, carrier: carrier, publisher: publisher, journal: journal, metrics: metrics, clock: clock}
}

func TestPlaceCall_TracksInitiatedSession(t *testing.T) {
	f := newOrchestratorFixture(t)

	session, err := f.o.PlaceCall(context.Background(), "(555) 987-6543", "+15551234567", "https://bridge.example.com/")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if session.ID != "CA1" || session.To != "+15559876543" || session.Status != StatusInitiated {
		t.Fatalf("unexpected session: %+v", session)
	}
	if session.Direction != BrowserToPhone || !session.CreatedAt.Equal(f.clock.Now()) {
		t.Fatalf("unexpected direction/createdAt: %+v", session)
	}

	tracked, ok := f.o.Registry().Get("CA1")
	if !ok || tracked.Status != StatusInitiated {
		t.Fatalf("session not tracked: %+v %v", tracked, ok)
	}

	req := f.carrier.created[0]
	if req.StatusCallback != "https://bridge.example.com"+PathVoiceStatus {
		t.Fatalf("unexpected status callback %q", req.StatusCallback)
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Path != PathVoiceOutbound || u.Query().Get("To") != "+15559876543" {
		t.Fatalf("unexpected voice url %q", req.URL)
	}
	if len(req.StatusCallbackEvents) != 4 {
		t.Fatalf("unexpected callback events %v", req.StatusCallbackEvents)
	}

	if got := testutil.ToFloat64(f.metrics.callsPlaced); got != 1 {
		t.Fatalf("calls_placed_total = %v", got)
	}
	if types := f.publisher.types(); len(types) != 1 || types[0] != EventCallTracked {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestPlaceCall_RejectsMissingOrMalformedInput(t *testing.T) {
	f := newOrchestratorFixture(t)

	cases := []struct{ to, from string }{
		{"", "+15551234567"},
		{"+15559876543", "  "},
		{"not-a-number", "+15551234567"},
		{"555-1234", "+15551234567"},
		{"123", "+15551234567"},
	}
	for _, tc := range cases {
		_, err := f.o.PlaceCall(context.Background(), tc.to, tc.from, "http://localhost")
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("PlaceCall(%q, %q) err = %v, want ErrInvalidRequest", tc.to, tc.from, err)
		}
	}
	if len(f.carrier.created) != 0 {
		t.Fatal("carrier should not be contacted for invalid input")
	}
	if f.o.Registry().Len() != 0 {
		t.Fatal("nothing should be tracked")
	}
}

func TestPlaceCall_RateLimitsPerCaller(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	_, err := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("6th attempt err = %v, want ErrRateLimited", err)
	}
	if len(f.carrier.created) != 5 {
		t.Fatalf("carrier contacted %d times, want 5", len(f.carrier.created))
	}
	if got := testutil.ToFloat64(f.metrics.admissionDenied); got != 1 {
		t.Fatalf("admission_denied_total = %v", got)
	}

	// another caller is unaffected
	if _, err := f.o.PlaceCall(ctx, "+15559876543", "+15557654321", "http://localhost"); err != nil {
		t.Fatalf("other caller: %v", err)
	}

	f.clock.Advance(61 * time.Second)
	if _, err := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestPlaceCall_CarrierFailureTracksNothing(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.carrier.createErr = &signalwire.APIError{StatusCode: 500, Body: "boom"}

	_, err := f.o.PlaceCall(context.Background(), "+15559876543", "+15551234567", "http://localhost")
	if !errors.Is(err, ErrCarrierUnavailable) {
		t.Fatalf("err = %v, want ErrCarrierUnavailable", err)
	}
	if f.o.Registry().Len() != 0 {
		t.Fatal("failed placement must not be tracked")
	}
	if got := testutil.ToFloat64(f.metrics.placementFailures.WithLabelValues("carrier")); got != 1 {
		t.Fatalf("placement_failures_total{carrier} = %v", got)
	}
}

func TestOnStatusUpdate_TransitionsAndRemovesOnTerminal(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	session, _ := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost")

	f.clock.Advance(2 * time.Second)
	f.o.OnStatusUpdate(ctx, StatusEvent{CallSID: session.ID, CallStatus: "answered"})
	got, _ := f.o.Registry().Get(session.ID)
	if got.Status != StatusInProgress || !got.LastUpdated.Equal(f.clock.Now()) {
		t.Fatalf("unexpected session after answered: %+v", got)
	}

	f.o.OnStatusUpdate(ctx, StatusEvent{CallSID: session.ID, CallStatus: "completed", Duration: "42"})
	if _, ok := f.o.Registry().Get(session.ID); ok {
		t.Fatal("terminal status should remove the session")
	}

	if len(f.journal.records) != 1 {
		t.Fatalf("expected one journal record, got %d", len(f.journal.records))
	}
	rec := f.journal.records[0]
	if rec.Status != StatusCompleted || rec.Duration == nil || *rec.Duration != 42 {
		t.Fatalf("unexpected journal record: %+v", rec)
	}

	want := []CallEventType{EventCallTracked, EventCallUpdated, EventCallUpdated, EventCallRemoved}
	types := f.publisher.types()
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
	if got := testutil.ToFloat64(f.metrics.callsEnded.WithLabelValues("completed")); got != 1 {
		t.Fatalf("calls_ended_total{completed} = %v", got)
	}
}

func TestOnStatusUpdate_DuplicateTerminalIsNoop(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	session, _ := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost")

	f.o.OnStatusUpdate(ctx, StatusEvent{CallSID: session.ID, CallStatus: "busy"})
	f.o.OnStatusUpdate(ctx, StatusEvent{CallSID: session.ID, CallStatus: "busy"})

	if len(f.journal.records) != 1 {
		t.Fatalf("duplicate terminal webhook journaled %d times", len(f.journal.records))
	}
	if got := testutil.ToFloat64(f.metrics.webhooks.WithLabelValues("status", "untracked")); got != 1 {
		t.Fatalf("webhooks_total{status,untracked} = %v", got)
	}
}

func TestOnStatusUpdate_DropsMalformedEvents(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	session, _ := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost")

	f.o.OnStatusUpdate(ctx, StatusEvent{CallStatus: "completed"})
	f.o.OnStatusUpdate(ctx, StatusEvent{CallSID: session.ID, CallStatus: "exploded"})

	got, ok := f.o.Registry().Get(session.ID)
	if !ok || got.Status != StatusInitiated {
		t.Fatalf("malformed events must not change state: %+v %v", got, ok)
	}
	if got := testutil.ToFloat64(f.metrics.webhooks.WithLabelValues("status", "malformed")); got != 2 {
		t.Fatalf("webhooks_total{status,malformed} = %v", got)
	}
}

func TestOnStatusUpdate_IgnoresBadDuration(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	session, _ := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost")

	f.o.OnStatusUpdate(ctx, StatusEvent{CallSID: session.ID, CallStatus: "in-progress", Duration: "-3"})
	got, _ := f.o.Registry().Get(session.ID)
	if got.Duration != nil {
		t.Fatalf("negative duration should be ignored, got %d", *got.Duration)
	}
}

func TestOnIncomingCall_TracksRingingSession(t *testing.T) {
	f := newOrchestratorFixture(t)

	doc := parseDocument(t, f.o.OnIncomingCall(context.Background(), IncomingCallEvent{
		CallSID: "CAin", From: "+15551112222", To: "+15553334444",
	}, "https://bridge.example.com"))

	if len(doc.Dials) != 1 || doc.Dials[0].Client != "agent" {
		t.Fatalf("expected dial to agent, got %+v", doc)
	}
	if doc.Dials[0].Action != "https://bridge.example.com"+PathVoiceDialStatus {
		t.Fatalf("unexpected dial action %q", doc.Dials[0].Action)
	}

	session, ok := f.o.Registry().Get("CAin")
	if !ok || session.Direction != PhoneToBrowser || session.Status != StatusRinging {
		t.Fatalf("incoming call not tracked: %+v %v", session, ok)
	}
}

func TestOnIncomingCall_MissingEndpointsReturnsErrorDocument(t *testing.T) {
	f := newOrchestratorFixture(t)

	doc := parseDocument(t, f.o.OnIncomingCall(context.Background(), IncomingCallEvent{CallSID: "CAx"}, ""))
	if len(doc.Dials) != 0 || len(doc.Says) != 1 || doc.Says[0] != MessageError {
		t.Fatalf("expected error document, got %+v", doc)
	}
	if f.o.Registry().Len() != 0 {
		t.Fatal("malformed incoming call must not be tracked")
	}
}

func TestOutboundDocument_ClientCallerUsesConfiguredCallerID(t *testing.T) {
	f := newOrchestratorFixture(t)

	doc := parseDocument(t, f.o.OutboundDocument("5559876543", "client:alice"))
	if len(doc.Dials) != 1 {
		t.Fatalf("expected dial, got %+v", doc)
	}
	if doc.Dials[0].Number != "+15559876543" || doc.Dials[0].CallerID != "+15550000000" {
		t.Fatalf("unexpected dial %+v", doc.Dials[0])
	}

	bad := parseDocument(t, f.o.OutboundDocument("garbage", "+15551234567"))
	if len(bad.Dials) != 0 {
		t.Fatalf("invalid destination should not dial: %+v", bad)
	}
}

func TestEndCall(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	session, _ := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost")

	f.carrier.updateErr = errors.New("network down")
	if f.o.EndCall(ctx, session.ID) {
		t.Fatal("EndCall should report carrier failure")
	}
	if _, ok := f.o.Registry().Get(session.ID); !ok {
		t.Fatal("session must stay tracked when the carrier fails")
	}

	f.carrier.updateErr = nil
	if !f.o.EndCall(ctx, session.ID) {
		t.Fatal("EndCall should succeed")
	}
	if _, ok := f.o.Registry().Get(session.ID); ok {
		t.Fatal("session should be removed after hangup")
	}
	if last := f.carrier.updated[len(f.carrier.updated)-1]; last != session.ID+"=completed" {
		t.Fatalf("unexpected carrier update %q", last)
	}
}

func TestGetCallDetails_FallsBackToCarrier(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	f.carrier.calls["CAold"] = &signalwire.Call{
		SID: "CAold", From: "+15551234567", To: "+15559876543",
		Status: "completed", Direction: "outbound-api", Duration: "17",
		DateCreated: "Thu, 01 Jan 2026 10:00:00 +0000",
	}

	session, err := f.o.GetCallDetails(ctx, "CAold")
	if err != nil {
		t.Fatalf("GetCallDetails: %v", err)
	}
	if session.Status != StatusCompleted || session.Direction != BrowserToPhone {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Duration == nil || *session.Duration != 17 {
		t.Fatalf("unexpected duration %v", session.Duration)
	}

	if _, err := f.o.GetCallDetails(ctx, "CAnope"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("err = %v, want ErrCallNotFound", err)
	}

	f.carrier.getErr = errors.New("timeout")
	if _, err := f.o.GetCallDetails(ctx, "CAnope"); !errors.Is(err, ErrCarrierUnavailable) {
		t.Fatalf("err = %v, want ErrCarrierUnavailable", err)
	}
}

func TestSweepStaleCalls(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	session, _ := f.o.PlaceCall(ctx, "+15559876543", "+15551234567", "http://localhost")

	f.clock.Advance(DefaultMaxCallAge - time.Minute)
	f.o.sweepStaleCalls()
	if _, ok := f.o.Registry().Get(session.ID); !ok {
		t.Fatal("young call should survive the sweep")
	}

	f.clock.Advance(2 * time.Minute)
	f.o.sweepStaleCalls()
	if _, ok := f.o.Registry().Get(session.ID); ok {
		t.Fatal("stale call should be evicted")
	}
}

func TestStartShutdown_RunsSweepsAndClearsState(t *testing.T) {
	registry := NewCallRegistry()
	o := NewCallOrchestrator(Options{
		Carrier:           newFakeCarrier(),
		Registry:          registry,
		CallSweepInterval: 10 * time.Millisecond,
		MaxCallAge:        time.Hour,
	})

	registry.Track("CAstale", testSession("CAstale", StatusRinging, time.Now().Add(-2*time.Hour)))
	registry.Track("CAfresh", testSession("CAfresh", StatusRinging, time.Now()))

	ctx := context.Background()
	o.Start(ctx)
	o.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stale call not swept, registry has %d", registry.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := o.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if registry.Len() != 0 {
		t.Fatal("Shutdown should clear the registry")
	}
}

func TestAccountStatus(t *testing.T) {
	f := newOrchestratorFixture(t)
	account, err := f.o.AccountStatus(context.Background())
	if err != nil || !strings.EqualFold(account.Status, "active") {
		t.Fatalf("AccountStatus = %+v, %v", account, err)
	}
}

func TestPlaceCall_ClientCallerUsesConfiguredCallerID(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	session, err := f.o.PlaceCall(ctx, "+15559876543", "client:bob", "http://localhost")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if got := f.carrier.created[0].From; got != "+15550000000" {
		t.Fatalf("carrier From = %q, want configured caller id", got)
	}
	if session.From != "client:bob" {
		t.Fatalf("session From = %q", session.From)
	}

	// admission stays keyed on the browser client
	for i := 0; i < 4; i++ {
		f.o.PlaceCall(ctx, "+15559876543", "client:bob", "http://localhost")
	}
	if _, err := f.o.PlaceCall(ctx, "+15559876543", "client:bob", "http://localhost"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if _, err := f.o.PlaceCall(ctx, "+15559876543", "client:carol", "http://localhost"); err != nil {
		t.Fatalf("other client: %v", err)
	}
}

func TestPlaceCall_ClientCallerWithoutCallerIDIsRejected(t *testing.T) {
	carrier := newFakeCarrier()
	o := NewCallOrchestrator(Options{Carrier: carrier})

	_, err := o.PlaceCall(context.Background(), "+15559876543", "client:bob", "http://localhost")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if len(carrier.created) != 0 {
		t.Fatal("carrier should not be contacted")
	}
}

func TestGetCallDetails_UnrecognizedCarrierStatus(t *testing.T) {
	var logs bytes.Buffer
	carrier := newFakeCarrier()
	carrier.calls["CAodd"] = &signalwire.Call{SID: "CAodd", Status: "teleported", Direction: "inbound"}
	o := NewCallOrchestrator(Options{
		Carrier: carrier,
		Logger:  slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	session, err := o.GetCallDetails(context.Background(), "CAodd")
	if err != nil {
		t.Fatalf("GetCallDetails: %v", err)
	}
	if session.Status != StatusUnknown || session.Direction != PhoneToBrowser {
		t.Fatalf("unexpected session %+v", session)
	}
	if !strings.Contains(logs.String(), "teleported") {
		t.Fatalf("unrecognized status not logged: %s", logs.String())
	}
}
