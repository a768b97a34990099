package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/birddigital/browser-phone-bridge/pkg/signalwire"
)

// ============================================
// CALL ORCHESTRATOR
// Admission → placement → tracking → webhook transitions → cleanup
// ============================================

const (
	DefaultLimiterSweepInterval = 5 * time.Minute
	DefaultCallSweepInterval    = 5 * time.Minute
	DefaultMaxCallAge           = 4 * time.Hour
)

// StatusCallbackEvents are the carrier events requested for placed calls
var StatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// CarrierClient is the slice of the carrier API the orchestrator needs
type CarrierClient interface {
	CreateCall(ctx context.Context, req signalwire.CallRequest) (*signalwire.Call, error)
	UpdateCallStatus(ctx context.Context, callSID, status string) error
	GetCall(ctx context.Context, callSID string) (*signalwire.Call, error)
	GetAccountInfo(ctx context.Context) (*signalwire.Account, error)
}

// Options configures a CallOrchestrator. Only Carrier is required.
type Options struct {
	Carrier   CarrierClient
	Registry  *CallRegistry
	Limiter   *RateLimiter
	Markup    *VoiceMarkup
	Resolver  ClientResolver
	Publisher EventPublisher
	Journal   CallJournal
	Metrics   *Metrics
	Logger    *slog.Logger

	// CallerID is used when a browser-originated call carries a client address as From.
	CallerID string

	LimiterSweepInterval time.Duration
	CallSweepInterval    time.Duration
	MaxCallAge           time.Duration
}

// CallOrchestrator drives the call lifecycle
type CallOrchestrator struct {
	carrier   CarrierClient
	registry  *CallRegistry
	limiter   *RateLimiter
	markup    *VoiceMarkup
	resolver  ClientResolver
	publisher EventPublisher
	journal   CallJournal
	metrics   *Metrics
	logger    *slog.Logger
	callerID  string

	limiterSweepInterval time.Duration
	callSweepInterval    time.Duration
	maxCallAge           time.Duration

	now func() time.Time

	// Lifecycle
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewCallOrchestrator creates an orchestrator with empty state
func NewCallOrchestrator(opts Options) *CallOrchestrator {
	o := &CallOrchestrator{
		carrier:              opts.Carrier,
		registry:             opts.Registry,
		limiter:              opts.Limiter,
		markup:               opts.Markup,
		resolver:             opts.Resolver,
		publisher:            opts.Publisher,
		journal:              opts.Journal,
		metrics:              opts.Metrics,
		logger:               opts.Logger,
		callerID:             opts.CallerID,
		limiterSweepInterval: opts.LimiterSweepInterval,
		callSweepInterval:    opts.CallSweepInterval,
		maxCallAge:           opts.MaxCallAge,
		now:                  time.Now,
	}
	if o.registry == nil {
		o.registry = NewCallRegistry()
	}
	if o.limiter == nil {
		o.limiter = NewRateLimiter(0, 0, 0)
	}
	if o.markup == nil {
		o.markup = NewVoiceMarkup("", 0)
	}
	if o.resolver == nil {
		o.resolver = StaticClientResolver{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "CallOrchestrator")
	if o.limiterSweepInterval <= 0 {
		o.limiterSweepInterval = DefaultLimiterSweepInterval
	}
	if o.callSweepInterval <= 0 {
		o.callSweepInterval = DefaultCallSweepInterval
	}
	if o.maxCallAge <= 0 {
		o.maxCallAge = DefaultMaxCallAge
	}
	return o
}

// Registry exposes the live call store for read-only queries
func (o *CallOrchestrator) Registry() *CallRegistry {
	return o.registry
}

// Markup exposes the document generator
func (o *CallOrchestrator) Markup() *VoiceMarkup {
	return o.markup
}

// ============================================
// CALL PLACEMENT
// ============================================

// PlaceCall admits, places and tracks an outbound call
func (o *CallOrchestrator) PlaceCall(ctx context.Context, to, from, callbackBaseURL string) (CallSession, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(from) == "" {
		o.metrics.placementFailed("invalid")
		return CallSession{}, fmt.Errorf("%w: to and from are required", ErrInvalidRequest)
	}

	toAddr, err := NormalizeAddress(to)
	if err != nil {
		o.metrics.placementFailed("invalid")
		return CallSession{}, err
	}
	fromAddr := SanitizeAddress(from)

	callerID := fromAddr
	if IsClientAddress(callerID) {
		callerID = o.callerID
	}
	if callerID == "" {
		o.metrics.placementFailed("invalid")
		return CallSession{}, fmt.Errorf("%w: no caller id configured for %s", ErrInvalidRequest, fromAddr)
	}

	if !o.limiter.Check(fromAddr) {
		o.metrics.callRejected()
		o.logger.Warn("call admission denied", "from", fromAddr)
		return CallSession{}, fmt.Errorf("%w: too many call attempts from %s", ErrRateLimited, fromAddr)
	}

	base := strings.TrimRight(callbackBaseURL, "/")
	markupQuery := url.Values{}
	markupQuery.Set("To", toAddr)
	markupQuery.Set("From", fromAddr)

	call, err := o.carrier.CreateCall(ctx, signalwire.CallRequest{
		From:                 callerID,
		To:                   toAddr,
		URL:                  base + PathVoiceOutbound + "?" + markupQuery.Encode(),
		StatusCallback:       base + PathVoiceStatus,
		StatusCallbackEvents: StatusCallbackEvents,
		Timeout:              o.markup.DialTimeout,
	})
	if err != nil {
		o.metrics.placementFailed("carrier")
		o.logger.Error("carrier rejected call", "to", toAddr, "from", fromAddr, "error", err)
		return CallSession{}, fmt.Errorf("%w: %w", ErrCarrierUnavailable, err)
	}
	if call == nil || call.SID == "" {
		o.metrics.placementFailed("carrier")
		return CallSession{}, fmt.Errorf("%w: carrier returned no call id", ErrCarrierUnavailable)
	}

	now := o.now()
	session := CallSession{
		ID:          call.SID,
		To:          toAddr,
		From:        fromAddr,
		Direction:   BrowserToPhone,
		Status:      StatusInitiated,
		CreatedAt:   now,
		LastUpdated: now,
	}
	o.registry.Track(call.SID, session)
	o.metrics.callPlaced()
	o.publish(EventCallTracked, session)

	o.logger.Info("call placed", "call_sid", call.SID, "to", toAddr, "from", fromAddr)
	return session, nil
}

// ============================================
// WEBHOOK HANDLING
// ============================================

// OutboundDocument answers the voice-URL webhook of a browser-originated or placed call.
func (o *CallOrchestrator) OutboundDocument(to, from string) string {
	toAddr, err := NormalizeAddress(to)
	if err != nil {
		o.metrics.webhook("outbound", "malformed")
		o.logger.Warn("outbound call with unusable destination", "to", to, "error", err)
		return o.markup.ErrorDocument("")
	}

	callerID := SanitizeAddress(from)
	if callerID == "" || IsClientAddress(callerID) {
		callerID = o.callerID
	}
	o.metrics.webhook("outbound", "ok")
	return o.markup.OutboundDocument(toAddr, callerID)
}

// OnIncomingCall tracks an inbound call and returns the document connecting it to a browser client.
func (o *CallOrchestrator) OnIncomingCall(ctx context.Context, event IncomingCallEvent, callbackBaseURL string) string {
	if strings.TrimSpace(event.From) == "" || strings.TrimSpace(event.To) == "" {
		o.metrics.webhook("incoming", "malformed")
		o.logger.Warn("incoming call without endpoints", "call_sid", event.CallSID)
		return o.markup.ErrorDocument("")
	}

	identity, ok := o.resolver.ResolveClient(ctx, event.From)
	if !ok {
		identity = ""
	}

	if event.CallSID != "" {
		if _, tracked := o.registry.Get(event.CallSID); !tracked {
			now := o.now()
			session := CallSession{
				ID:          event.CallSID,
				To:          SanitizeAddress(event.To),
				From:        SanitizeAddress(event.From),
				Direction:   PhoneToBrowser,
				Status:      StatusRinging,
				CreatedAt:   now,
				LastUpdated: now,
			}
			o.registry.Track(event.CallSID, session)
			o.publish(EventCallTracked, session)
		}
	}

	o.metrics.webhook("incoming", "ok")
	o.logger.Info("incoming call", "call_sid", event.CallSID, "from", event.From, "client", identity)

	return o.markup.IncomingDocument(IncomingCallParams{
		From:           event.From,
		To:             event.To,
		ClientIdentity: identity,
		DialStatusURL:  strings.TrimRight(callbackBaseURL, "/") + PathVoiceDialStatus,
	})
}

// OnStatusUpdate applies a status-callback webhook. Malformed or unknown
// events are logged and dropped; terminal statuses remove the session.
func (o *CallOrchestrator) OnStatusUpdate(ctx context.Context, event StatusEvent) {
	if event.CallSID == "" {
		o.metrics.webhook("status", "malformed")
		o.logger.Warn("status update dropped", "error", fmt.Errorf("%w: missing CallSid", ErrMalformedWebhook))
		return
	}

	status, ok := ParseCallStatus(event.CallStatus)
	if !ok {
		o.metrics.webhook("status", "malformed")
		o.logger.Warn("status update dropped", "call_sid", event.CallSID,
			"error", fmt.Errorf("%w: unknown status %q", ErrMalformedWebhook, event.CallStatus))
		return
	}

	update := CallUpdate{Status: &status, LastUpdated: o.now()}
	if d, ok := parseDuration(event.Duration); ok {
		update.Duration = &d
	}

	session, found := o.registry.Update(event.CallSID, update)
	if !found {
		o.metrics.webhook("status", "untracked")
		o.logger.Debug("status update for untracked call", "call_sid", event.CallSID, "status", status)
		return
	}
	o.metrics.webhook("status", "ok")
	o.publish(EventCallUpdated, session)

	if !status.IsTerminal() {
		return
	}

	if _, removed := o.registry.Remove(event.CallSID); !removed {
		return
	}
	o.metrics.callEnded(status)
	o.publish(EventCallRemoved, session)
	o.logger.Info("call ended", "call_sid", session.ID, "status", status)

	if o.journal != nil {
		if err := o.journal.Record(ctx, session); err != nil {
			o.logger.Error("failed to journal call", "call_sid", session.ID, "error", err)
		}
	}
}

// OnDialStatus returns the closing document for an inbound dial result.
func (o *CallOrchestrator) OnDialStatus(event DialStatusEvent) string {
	o.metrics.webhook("dial-status", "ok")
	o.logger.Info("dial finished", "call_sid", event.CallSID, "dial_status", event.DialCallStatus)
	return o.markup.DialStatusDocument(event.DialCallStatus)
}

// ============================================
// CALL CONTROL & QUERIES
// ============================================

// EndCall hangs up id at the carrier and stops tracking it. Carrier
// failures are logged and reported as false.
func (o *CallOrchestrator) EndCall(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}

	if err := o.carrier.UpdateCallStatus(ctx, id, string(StatusCompleted)); err != nil {
		o.logger.Error("failed to end call", "call_sid", id,
			"error", fmt.Errorf("%w: %w", ErrCarrierUnavailable, err))
		return false
	}

	if session, ok := o.registry.Remove(id); ok {
		o.publish(EventCallRemoved, session)
	}
	o.logger.Info("call ended by request", "call_sid", id)
	return true
}

// GetCallDetails returns the tracked session, falling back to the carrier.
func (o *CallOrchestrator) GetCallDetails(ctx context.Context, id string) (CallSession, error) {
	if id == "" {
		return CallSession{}, fmt.Errorf("%w: call id is required", ErrInvalidRequest)
	}
	if session, ok := o.registry.Get(id); ok {
		return session, nil
	}

	call, err := o.carrier.GetCall(ctx, id)
	if err != nil {
		if signalwire.IsNotFound(err) {
			return CallSession{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
		}
		return CallSession{}, fmt.Errorf("%w: %w", ErrCarrierUnavailable, err)
	}
	return o.sessionFromCarrier(call), nil
}

// AccountStatus reports the carrier account's name and status.
func (o *CallOrchestrator) AccountStatus(ctx context.Context) (*signalwire.Account, error) {
	account, err := o.carrier.GetAccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCarrierUnavailable, err)
	}
	return account, nil
}

// Statistics summarizes the live registry
func (o *CallOrchestrator) Statistics() Statistics {
	return o.registry.Statistics()
}

// ============================================
// LIFECYCLE
// ============================================

// Start launches the rate-limiter and stale-call sweeps. Calling Start
// on a running orchestrator is a no-op.
func (o *CallOrchestrator) Start(ctx context.Context) {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.cancel != nil {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(2)
	go o.runSweep(ctx, o.limiterSweepInterval, o.sweepLimiter)
	go o.runSweep(ctx, o.callSweepInterval, o.sweepStaleCalls)
}

// Shutdown cancels the sweeps, waits for them to exit, then clears all
// state. If ctx expires first the state is left untouched.
func (o *CallOrchestrator) Shutdown(ctx context.Context) error {
	o.lifecycleMu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweeps: %w", ctx.Err())
	}

	o.lifecycleMu.Lock()
	o.cancel = nil
	o.lifecycleMu.Unlock()

	o.limiter.Clear()
	o.registry.Clear()
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *CallOrchestrator) runSweep(ctx context.Context, interval time.Duration, sweep func()) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func (o *CallOrchestrator) sweepLimiter() {
	if removed := o.limiter.Cleanup(); removed > 0 {
		o.logger.Debug("rate limiter sweep", "removed", removed)
	}
}

func (o *CallOrchestrator) sweepStaleCalls() {
	removed := o.registry.RemoveCreatedBefore(o.now().Add(-o.maxCallAge))
	for _, session := range removed {
		o.publish(EventCallRemoved, session)
		o.logger.Warn("evicted stale call", "call_sid", session.ID, "status", session.Status)
	}
}

// ============================================
// HELPERS
// ============================================

func (o *CallOrchestrator) publish(eventType CallEventType, session CallSession) {
	if o.publisher == nil {
		return
	}
	s := session.clone()
	o.publisher.Publish(CallEvent{Type: eventType, Session: &s, Timestamp: o.now().UnixMilli()})
}

// parseDuration reads a non-negative integer second count.
func parseDuration(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	d, err := strconv.Atoi(raw)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// sessionFromCarrier rebuilds a session view from a carrier call resource.
// A status outside the closed set comes back as StatusUnknown.
func (o *CallOrchestrator) sessionFromCarrier(call *signalwire.Call) CallSession {
	status, ok := ParseCallStatus(call.Status)
	if !ok {
		o.logger.Debug("carrier call has unrecognized status", "call_sid", call.SID, "status", call.Status)
		status = StatusUnknown
	}
	createdAt := call.CreatedAt()
	session := CallSession{
		ID:          call.SID,
		To:          call.To,
		From:        call.From,
		Direction:   DirectionFromCarrier(call.Direction),
		Status:      status,
		CreatedAt:   createdAt,
		LastUpdated: createdAt,
	}
	if d, ok := parseDuration(call.Duration); ok {
		session.Duration = &d
	}
	return session
}
