// Package orchestrator drives one driver-matching search at a time: it
// consults the fingerprint cache, starts the backend search, listens on the
// push channel and the polling loop concurrently, and arbitrates the single
// terminal transition between them.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/matchclient/internal/search/api"
	"github.com/example/matchclient/internal/search/bus"
	"github.com/example/matchclient/internal/search/cache"
	"github.com/example/matchclient/internal/search/domain"
	"github.com/example/matchclient/internal/search/push"
)

// TopicTerminal is the bus topic terminal outcomes are re-broadcast on for
// other interested listeners.
const TopicTerminal = "search.terminal"

const busSubscriberID = "orchestrator"

// API is the slice of the REST client the orchestrator needs.
type API interface {
	Start(ctx context.Context, params api.StartParams) (api.StartResult, error)
	Status(ctx context.Context, searchID string) (api.StatusResult, error)
	Cancel(ctx context.Context, searchID string) (api.CancelResult, error)
	Confirm(ctx context.Context, searchID string, params api.ConfirmParams) (api.ConfirmResult, error)
}

// Channel is the slice of the push connection manager the orchestrator needs.
type Channel interface {
	Connect(ctx context.Context, userID string) error
	SetSearchContext(searchID string)
	Disconnect()
}

// Listener receives state snapshots. It is the boundary to the consuming
// layer, which reads the snapshot and must not mutate it.
type Listener func(domain.SearchState)

// Config tunes the orchestrator.
type Config struct {
	UserID          string
	SearchWindow    time.Duration // fallback window when the backend omits one
	CountdownTick   time.Duration
	MaxPollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SearchWindow <= 0 {
		c.SearchWindow = 5 * time.Minute
	}
	if c.CountdownTick <= 0 {
		c.CountdownTick = time.Second
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = 15 * time.Second
	}
}

// Orchestrator is the search state machine. At most one search is active at
// a time; starting a new one replaces the previous.
type Orchestrator struct {
	api     API
	cache   cache.Store
	channel Channel
	bus     *bus.Bus
	clock   domain.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config

	opMu sync.Mutex // serializes Start/Cancel/Confirm/Retry

	mu          sync.Mutex
	state       domain.SearchState
	params      api.StartParams
	fingerprint domain.Fingerprint
	deadline    time.Time
	loopCancel  context.CancelFunc
	subscribed  bool

	listenerMu sync.Mutex
	listener   Listener
}

// New constructs an Orchestrator with the required collaborators.
func New(apiClient API, store cache.Store, channel Channel, b *bus.Bus, clock domain.Clock, logger *zap.Logger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		api:     apiClient,
		cache:   store,
		channel: channel,
		bus:     b,
		clock:   clock,
		logger:  logger,
		tracer:  otel.Tracer("search.orchestrator"),
		cfg:     cfg,
		state:   domain.SearchState{Status: domain.StatusIdle},
	}
}

// SetListener registers the consumer callback for state snapshots.
func (o *Orchestrator) SetListener(l Listener) {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	o.listener = l
}

// State returns a defensively copied snapshot of the current search state.
func (o *Orchestrator) State() domain.SearchState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyState(o.state)
}

// Start begins a search. A still-valid cached search with the same
// fingerprint is adopted without a second backend call. Starting while a
// search is active cancels and replaces it.
func (o *Orchestrator) Start(ctx context.Context, params api.StartParams) (domain.SearchState, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.start(ctx, params)
}

// start is Start without the serialization; callers hold opMu.
func (o *Orchestrator) start(ctx context.Context, params api.StartParams) (domain.SearchState, error) {
	ctx, span := o.tracer.Start(ctx, "search.start")
	defer span.End()

	if err := validate(params); err != nil {
		return o.State(), err
	}

	fp := domain.NewFingerprint(params.Lat, params.Lng, params.TierID, params.VehicleTypeID, params.RadiusKM)
	o.replaceActiveSearch(fp)

	var searchID string
	var remaining time.Duration
	if entry, ok := o.cache.Lookup(ctx, fp); ok {
		searchID = entry.SearchID
		remaining = o.cfg.SearchWindow - o.clock.Now().Sub(entry.CreatedAt)
		if remaining < time.Second {
			remaining = time.Second
		}
		searchesAdopted.Inc()
		o.logger.Info("adopting cached search", zap.String("search_id", searchID))
	} else {
		result, err := o.api.Start(ctx, params)
		if err != nil {
			o.setFailure(err)
			return o.State(), err
		}
		searchID = result.SearchID
		remaining = result.TimeRemaining
		if remaining <= 0 {
			remaining = o.cfg.SearchWindow
		}
		o.cache.Store(ctx, searchID, fp, 0)
		searchesStarted.Inc()
	}

	if err := o.channel.Connect(ctx, o.cfg.UserID); err != nil {
		o.logger.Warn("push channel unavailable, relying on polling", zap.Error(err))
	}
	o.channel.SetSearchContext(searchID)
	o.subscribeOnce()

	loopCtx, cancel := context.WithCancel(context.Background())
	now := o.clock.Now()

	o.mu.Lock()
	o.loopCancel = cancel
	o.params = params
	o.fingerprint = fp
	o.deadline = now.Add(remaining)
	o.state = domain.SearchState{
		SearchID:      searchID,
		Status:        domain.StatusSearching,
		TimeRemaining: remaining,
		StartTime:     now,
	}
	snapshot := copyState(o.state)
	o.mu.Unlock()

	go o.runCountdown(loopCtx, searchID)
	go o.runPolling(loopCtx, searchID, fp)

	o.notify(snapshot)
	return snapshot, nil
}

// Cancel stops the active search. With no active search it succeeds without
// touching the network. The backend call is best-effort: local state is
// always cleared so the client can never get stuck.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "search.cancel")
	defer span.End()

	o.mu.Lock()
	searchID := o.state.SearchID
	searching := o.state.Status == domain.StatusSearching
	o.mu.Unlock()

	if searchID == "" {
		o.reset()
		return nil
	}
	if searching {
		if _, err := o.api.Cancel(ctx, searchID); err != nil {
			o.logger.Warn("backend cancel failed, clearing local state anyway",
				zap.String("search_id", searchID), zap.Error(err))
		}
	}
	o.cache.Invalidate(ctx, searchID)
	o.reset()
	return nil
}

// ConfirmDriver books the matched driver. Fails with ErrNoActiveSearch
// unless the search is in the found state, without any network call.
func (o *Orchestrator) ConfirmDriver(ctx context.Context, driverID, notes string) (api.ConfirmResult, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "search.confirm")
	defer span.End()

	o.mu.Lock()
	if o.state.Status != domain.StatusFound || o.state.MatchedDriver == nil {
		o.mu.Unlock()
		return api.ConfirmResult{}, domain.ErrNoActiveSearch
	}
	searchID := o.state.SearchID
	o.mu.Unlock()

	result, err := o.api.Confirm(ctx, searchID, api.ConfirmParams{DriverID: driverID, Notes: notes})
	if err != nil {
		// Stay in found so the consumer can retry the confirmation.
		return api.ConfirmResult{}, err
	}
	o.reset()
	return result, nil
}

// Retry starts again with the previous parameters. The cache is consulted
// like any other start, and the replace path handles any still-active search.
func (o *Orchestrator) Retry(ctx context.Context) (domain.SearchState, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	params := o.params
	o.mu.Unlock()
	if params == (api.StartParams{}) {
		return o.State(), &domain.ValidationError{Field: "params", Reason: "no previous search to retry"}
	}
	return o.start(ctx, params)
}

// Close disposes the orchestrator: countdown and polling stop even if the
// consumer never called Cancel, and the push channel is released.
func (o *Orchestrator) Close() {
	o.reset()
	o.mu.Lock()
	if o.subscribed {
		o.bus.Unsubscribe(push.TopicMatching, busSubscriberID)
		o.subscribed = false
	}
	o.mu.Unlock()
	o.channel.Disconnect()
}

func (o *Orchestrator) subscribeOnce() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subscribed {
		return
	}
	if err := o.bus.Subscribe(push.TopicMatching, busSubscriberID, o.handleChannelEvent); err != nil {
		o.logger.Warn("bus subscription failed", zap.Error(err))
		return
	}
	o.subscribed = true
}

func (o *Orchestrator) handleChannelEvent(e bus.Event) {
	event, ok := e.Payload.(domain.MatchingEvent)
	if !ok {
		return
	}
	switch event.Type {
	case domain.EventDriverFound:
		if event.Driver != nil {
			o.applyTerminal(event.SearchID, domain.StatusFound, event.Driver, event.Message)
		}
	case domain.EventSearchTimeout:
		o.applyTerminal(event.SearchID, domain.StatusTimeout, nil, event.Message)
	case domain.EventSearchCancelled:
		o.applyTerminal(event.SearchID, domain.StatusCancelled, nil, event.Message)
	}
}

func (o *Orchestrator) runCountdown(ctx context.Context, searchID string) {
	ticker := time.NewTicker(o.cfg.CountdownTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o.mu.Lock()
		if o.state.SearchID != searchID || o.state.Status != domain.StatusSearching {
			o.mu.Unlock()
			return
		}
		// Remaining time comes from the wall clock, not a tick count, so
		// suspended execution self-corrects on the next tick.
		remaining := o.deadline.Sub(o.clock.Now())
		if remaining > 0 {
			o.state.TimeRemaining = remaining
			snapshot := copyState(o.state)
			o.mu.Unlock()
			o.notify(snapshot)
			continue
		}
		o.mu.Unlock()

		// Advisory timeout; the terminal check-and-set arbitrates against a
		// concurrent authoritative server event.
		o.applyTerminal(searchID, domain.StatusTimeout, nil, "search window elapsed")
		return
	}
}

func (o *Orchestrator) runPolling(ctx context.Context, searchID string, fp domain.Fingerprint) {
	interval := o.cache.OptimalPollingInterval(ctx, fp)
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		result, err := o.api.Status(ctx, searchID)
		if err != nil {
			o.logger.Warn("status poll failed", zap.String("search_id", searchID), zap.Error(err))
		} else if o.applyPoll(searchID, result) {
			return
		}

		// Grow the interval as the search ages to bound backend load.
		interval = interval + interval/2
		if interval > o.cfg.MaxPollInterval {
			interval = o.cfg.MaxPollInterval
		}
	}
}

// applyPoll folds one poll response into the state machine and reports
// whether polling should stop.
func (o *Orchestrator) applyPoll(searchID string, result api.StatusResult) bool {
	switch result.Status {
	case "found":
		if result.MatchedDriver == nil {
			return false
		}
		o.applyTerminal(searchID, domain.StatusFound, result.MatchedDriver, result.Message)
		return true
	case "timeout", "expired":
		o.applyTerminal(searchID, domain.StatusTimeout, nil, result.Message)
		return true
	case "cancelled":
		o.applyTerminal(searchID, domain.StatusCancelled, nil, result.Message)
		return true
	default:
		o.mu.Lock()
		if o.state.SearchID == searchID && o.state.Status == domain.StatusSearching && result.TimeRemaining > 0 {
			// The server's window is authoritative over the local countdown.
			o.deadline = o.clock.Now().Add(result.TimeRemaining)
			o.state.TimeRemaining = result.TimeRemaining
		}
		o.mu.Unlock()
		return false
	}
}

// applyTerminal is the single atomic check-and-set every outcome source goes
// through. Only the first terminal event for the active search wins; stale
// events and poll responses fall out here.
func (o *Orchestrator) applyTerminal(searchID string, status domain.Status, driver *domain.Driver, detail string) bool {
	o.mu.Lock()
	if o.state.SearchID != searchID ||
		o.state.Status != domain.StatusSearching ||
		!o.state.Status.CanTransitionTo(status) {
		o.mu.Unlock()
		return false
	}
	o.state.Status = status
	o.state.TimeRemaining = 0
	if driver != nil {
		d := *driver
		o.state.MatchedDriver = &d
	}
	cancel := o.loopCancel
	o.loopCancel = nil
	snapshot := copyState(o.state)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.cache.Invalidate(context.Background(), searchID)
	terminalTransitions.WithLabelValues(string(status)).Inc()
	o.logger.Info("search reached terminal state",
		zap.String("search_id", searchID),
		zap.String("status", string(status)),
		zap.String("detail", detail))

	o.bus.Publish(TopicTerminal, domain.MatchingEvent{
		Type:      eventTypeFor(status),
		SearchID:  searchID,
		UserID:    o.cfg.UserID,
		Driver:    snapshot.MatchedDriver,
		Message:   detail,
		Timestamp: o.clock.Now(),
	})
	o.notify(snapshot)
	return true
}

// replaceActiveSearch tears down a still-searching previous search before a
// new one starts. A previous search with the same fingerprint is only
// paused locally: its cache entry survives so the new start adopts the same
// backend search. A different fingerprint cancels the old search for real,
// best-effort in the background.
func (o *Orchestrator) replaceActiveSearch(next domain.Fingerprint) {
	o.mu.Lock()
	searchID := o.state.SearchID
	searching := o.state.Status == domain.StatusSearching
	sameSearch := o.fingerprint == next
	o.mu.Unlock()
	if !searching || searchID == "" {
		return
	}
	if sameSearch {
		o.reset()
		return
	}
	o.logger.Info("replacing active search", zap.String("search_id", searchID))
	o.reset()
	o.cache.Invalidate(context.Background(), searchID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := o.api.Cancel(ctx, searchID); err != nil {
			o.logger.Warn("background cancel failed", zap.String("search_id", searchID), zap.Error(err))
		}
	}()
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	cancel := o.loopCancel
	o.loopCancel = nil
	o.state = domain.SearchState{Status: domain.StatusIdle}
	snapshot := o.state
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.notify(snapshot)
}

func (o *Orchestrator) setFailure(err error) {
	o.mu.Lock()
	o.state = domain.SearchState{Status: domain.StatusIdle, Err: err.Error()}
	snapshot := o.state
	o.mu.Unlock()
	o.notify(snapshot)
}

func (o *Orchestrator) notify(snapshot domain.SearchState) {
	o.listenerMu.Lock()
	listener := o.listener
	o.listenerMu.Unlock()
	if listener != nil {
		listener(snapshot)
	}
}

func validate(params api.StartParams) error {
	if params.Lat == 0 && params.Lng == 0 {
		return &domain.ValidationError{Field: "origin", Reason: "coordinates are required"}
	}
	if params.Lat < -90 || params.Lat > 90 || params.Lng < -180 || params.Lng > 180 {
		return &domain.ValidationError{Field: "origin", Reason: "coordinates out of range"}
	}
	if params.TierID <= 0 {
		return &domain.ValidationError{Field: "tierId", Reason: "a ride tier is required"}
	}
	return nil
}

func eventTypeFor(status domain.Status) domain.EventType {
	switch status {
	case domain.StatusFound:
		return domain.EventDriverFound
	case domain.StatusCancelled:
		return domain.EventSearchCancelled
	default:
		return domain.EventSearchTimeout
	}
}

func copyState(s domain.SearchState) domain.SearchState {
	if s.MatchedDriver != nil {
		d := *s.MatchedDriver
		s.MatchedDriver = &d
	}
	return s
}
