package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gateway "github.com/fleetillo/dispatch-gateway/internal/gateways"
	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/repository"
	"github.com/fleetillo/dispatch-gateway/internal/routing"
	"github.com/fleetillo/dispatch-gateway/internal/templates"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/prom"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

type DispatchStore interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	CreateDispatchWithChannels(ctx context.Context, d *model.Dispatch, channels []model.Channel) (*model.DispatchWithChannels, error)
	GetDispatchWithChannels(ctx context.Context, id string) (*model.DispatchWithChannels, error)
	TransitionDispatchStatus(ctx context.Context, id string, status model.DispatchStatus) (bool, error)
	MarkAcknowledged(ctx context.Context, id string, at time.Time) (*model.Dispatch, error)
	CreateChannelDispatch(ctx context.Context, c *model.ChannelDispatch) (*model.ChannelDispatch, error)
	ClaimChannelDispatch(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	UpdateChannelDispatch(ctx context.Context, id string, u model.ChannelDispatchUpdate) (*model.ChannelDispatch, error)
	GetChannelDispatchesByDispatchID(ctx context.Context, dispatchID string) ([]*model.ChannelDispatch, error)
	ListDispatches(ctx context.Context, f model.DispatchFilter) ([]*model.Dispatch, int64, error)
	GetDispatchStats(ctx context.Context) (*model.DispatchStats, error)
}

type FleetStore interface {
	GetRoute(ctx context.Context, id string) (*model.Route, error)
	GetDriver(ctx context.Context, id string) (*model.Driver, error)
	GetVehicle(ctx context.Context, id string) (*model.Vehicle, error)
	GetBookingsByRoute(ctx context.Context, routeID string) ([]*model.Booking, error)
}

type ChannelRouter interface {
	RegisterCapability(channel model.Channel, provider routing.CapabilityProvider)
	ResolveChannels(req model.DispatchRequest, driver *model.Driver) []model.Channel
	GetFallbackChannel(driver *model.Driver, failed model.Channel) (model.Channel, bool)
}

type Renderer interface {
	RenderForChannel(channel model.Channel, ctx *model.TemplateContext) (string, error)
}

// Scheduler hands a persisted dispatch to whatever performs delivery.
type Scheduler interface {
	Schedule(ctx context.Context, task model.DeliveryTask) error
}

// DefaultClaimTTL is how long a channel row may stay in sending before another delivery may take it over.
const DefaultClaimTTL = 5 * time.Minute

type DispatchServiceConfig struct {
	BaseURL          string
	BatchConcurrency int
	// ClaimTTL must exceed the longest provider call, or a live send can be repeated.
	ClaimTTL time.Duration
}

type DispatchService struct {
	dispatches DispatchStore
	fleet      FleetStore
	router     ChannelRouter
	renderer   Renderer
	scheduler  Scheduler

	mu       sync.RWMutex
	adapters map[model.Channel]gateway.Adapter

	baseURL          string
	batchConcurrency int
	claimTTL         time.Duration
	now              func() time.Time
}

func NewDispatchService(dispatches DispatchStore, fleet FleetStore, router ChannelRouter, renderer Renderer, cfg DispatchServiceConfig) *DispatchService {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 10
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = templates.DefaultAppBaseURL
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	return &DispatchService{
		dispatches:       dispatches,
		fleet:            fleet,
		router:           router,
		renderer:         renderer,
		adapters:         make(map[model.Channel]gateway.Adapter),
		baseURL:          cfg.BaseURL,
		batchConcurrency: cfg.BatchConcurrency,
		claimTTL:         cfg.ClaimTTL,
		now:              time.Now,
	}
}

// SetScheduler must be called before the first Dispatch.
func (s *DispatchService) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

func (s *DispatchService) RegisterAdapter(adapter gateway.Adapter) {
	ch := adapter.ChannelType()
	s.mu.Lock()
	s.adapters[ch] = adapter
	s.mu.Unlock()
	s.router.RegisterCapability(ch, adapter)
	logger.Info("channel adapter registered", "channel", ch, "configured", adapter.IsConfigured())
}

// Adapters returns the registered adapters ordered by channel name.
func (s *DispatchService) Adapters() []gateway.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelType() < out[j].ChannelType() })
	return out
}

func (s *DispatchService) adapter(ch model.Channel) (gateway.Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[ch]
	return a, ok
}

// Dispatch validates and persists a dispatch, then schedules delivery without waiting for it.
func (s *DispatchService) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResult, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, newValidationError(errs)
	}
	if s.scheduler == nil {
		return nil, ErrNoScheduler
	}

	route, driver, err := s.loadRouteAndDriver(ctx, req.RouteID, req.DriverID)
	if err != nil {
		return nil, err
	}

	channels := s.router.ResolveChannels(req, driver)
	if len(channels) == 0 {
		return nil, &ValidationError{
			Message: "No valid channels available for driver",
			Fields: []model.FieldError{{
				Field:   "channels",
				Message: "driver has no contact configured for any supported channel",
			}},
		}
	}

	created, err := s.dispatches.CreateDispatchWithChannels(ctx, &model.Dispatch{
		RouteID:           route.ID,
		DriverID:          driver.ID,
		Status:            model.DispatchStatusPending,
		RequestedChannels: channels,
		Metadata:          req.Metadata,
	}, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch: %w", err)
	}
	prom.AddDispatchCreated()

	d := created.Dispatch
	logger.Info("dispatch created", "dispatch_id", d.ID, "route_id", d.RouteID, "driver_id", d.DriverID, "channels", channels)

	if err := s.scheduler.Schedule(ctx, model.DeliveryTask{DispatchID: d.ID, CreatedAt: d.CreatedAt}); err != nil {
		logger.Error("failed to schedule delivery", "dispatch_id", d.ID, "error", err)
		return nil, fmt.Errorf("failed to schedule dispatch %s: %w", d.ID, err)
	}

	return &model.DispatchResult{
		DispatchID:        d.ID,
		Status:            d.Status,
		RequestedChannels: d.RequestedChannels,
	}, nil
}

// loadRouteAndDriver fetches both concurrently. When both fail the route error wins.
func (s *DispatchService) loadRouteAndDriver(ctx context.Context, routeID, driverID string) (*model.Route, *model.Driver, error) {
	var (
		route    *model.Route
		driver   *model.Driver
		routeErr error
		drvErr   error
	)
	var g errgroup.Group
	g.Go(func() error {
		route, routeErr = s.fleet.GetRoute(ctx, routeID)
		return nil
	})
	g.Go(func() error {
		driver, drvErr = s.fleet.GetDriver(ctx, driverID)
		return nil
	})
	_ = g.Wait()

	if routeErr != nil {
		return nil, nil, entityError("route", routeID, routeErr)
	}
	if drvErr != nil {
		return nil, nil, entityError("driver", driverID, drvErr)
	}
	return route, driver, nil
}

func entityError(entity, id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &EntityNotFoundError{Entity: entity, ID: id}
	}
	return fmt.Errorf("failed to load %s %s: %w", entity, id, err)
}

type deliveryOutcome struct {
	channel    model.Channel
	success    bool
	isFallback bool
}

// delivery tracks one Deliver call; claimed holds every channel that already has a row.
type delivery struct {
	dispatch *model.Dispatch
	driver   *model.Driver
	context  *model.TemplateContext

	mu        sync.Mutex
	claimed   map[model.Channel]bool
	attempted int
	errs      *multierror.Error
}

func (d *delivery) claim(ch model.Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[ch] {
		return false
	}
	d.claimed[ch] = true
	return true
}

func (d *delivery) sent() {
	d.mu.Lock()
	d.attempted++
	d.mu.Unlock()
}

func (d *delivery) fail(err error) {
	d.mu.Lock()
	d.errs = multierror.Append(d.errs, err)
	d.mu.Unlock()
}

// Deliver attempts every pending channel of a dispatch and writes back the aggregate status.
// Each channel row is claimed before its send, so overlapping calls never send a row twice;
// a row held by another call is left to it. Dispatches already in a terminal status are left untouched.
func (s *DispatchService) Deliver(ctx context.Context, dispatchID string) error {
	dwc, err := s.dispatches.GetDispatchWithChannels(ctx, dispatchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDispatchNotFound
		}
		return fmt.Errorf("failed to load dispatch %s: %w", dispatchID, err)
	}
	dispatch := dwc.Dispatch
	if dispatch.Status.IsTerminal() {
		logger.Info("dispatch already completed, skipping delivery", "dispatch_id", dispatch.ID, "status", dispatch.Status)
		return nil
	}

	route, driver, err := s.loadRouteAndDriver(ctx, dispatch.RouteID, dispatch.DriverID)
	if err != nil {
		var nf *EntityNotFoundError
		if errors.As(err, &nf) {
			return s.failDispatch(ctx, dispatch, dwc.ChannelDispatches, nf.Error())
		}
		return err
	}

	tctx, err := s.buildContext(ctx, route, driver, dispatch.CreatedAt)
	if err != nil {
		return err
	}

	if _, err := s.dispatches.TransitionDispatchStatus(ctx, dispatch.ID, model.DispatchStatusSending); err != nil {
		return fmt.Errorf("failed to mark dispatch %s sending: %w", dispatch.ID, err)
	}

	run := &delivery{
		dispatch: dispatch,
		driver:   driver,
		context:  tctx,
		claimed:  make(map[model.Channel]bool, len(dwc.ChannelDispatches)),
	}
	for _, row := range dwc.ChannelDispatches {
		run.claimed[row.Channel] = true
	}

	var wg sync.WaitGroup
	for _, row := range dwc.ChannelDispatches {
		if row.Status.IsTerminal() {
			continue
		}
		wg.Add(1)
		go func(row *model.ChannelDispatch) {
			defer wg.Done()
			s.attempt(ctx, run, row)
		}(row)
	}
	wg.Wait()

	if err := run.errs.ErrorOrNil(); err != nil {
		logger.Error("dispatch delivery incomplete", "dispatch_id", dispatch.ID, "error", err)
		return fmt.Errorf("failed to record delivery for dispatch %s: %w", dispatch.ID, err)
	}
	return s.complete(ctx, dispatch, run.attempted)
}

// complete writes the aggregate status once every channel row is final. Rows still sending
// belong to another delivery, which completes the dispatch when it finishes.
func (s *DispatchService) complete(ctx context.Context, dispatch *model.Dispatch, attempted int) error {
	var (
		status    model.DispatchStatus
		completed bool
		waiting   int
	)
	err := s.dispatches.WithinTransaction(ctx, func(ctx context.Context) error {
		rows, err := s.dispatches.GetChannelDispatchesByDispatchID(ctx, dispatch.ID)
		if err != nil {
			return err
		}
		outcomes := make([]deliveryOutcome, 0, len(rows))
		for _, row := range rows {
			if !row.Status.IsTerminal() {
				waiting++
				continue
			}
			outcomes = append(outcomes, deliveryOutcome{channel: row.Channel, success: row.Status == model.ChannelStatusDelivered, isFallback: row.IsFallback})
		}
		if waiting > 0 {
			return nil
		}
		status = aggregateStatus(outcomes)
		completed, err = s.dispatches.TransitionDispatchStatus(ctx, dispatch.ID, status)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to complete dispatch %s: %w", dispatch.ID, err)
	}

	switch {
	case waiting > 0:
		logger.Info("dispatch has channels in flight elsewhere", "dispatch_id", dispatch.ID, "in_flight", waiting, "attempts", attempted)
	case completed:
		prom.AddDispatchCompleted(string(status), s.now().Sub(dispatch.CreatedAt).Seconds())
		logger.Info("dispatch completed", "dispatch_id", dispatch.ID, "status", status, "attempts", attempted)
	default:
		logger.Info("dispatch already completed by another delivery", "dispatch_id", dispatch.ID, "attempts", attempted)
	}
	return nil
}

func (s *DispatchService) buildContext(ctx context.Context, route *model.Route, driver *model.Driver, dispatchedAt time.Time) (*model.TemplateContext, error) {
	var vehicle *model.Vehicle
	if route.VehicleID != nil && *route.VehicleID != "" {
		v, err := s.fleet.GetVehicle(ctx, *route.VehicleID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			logger.Warn("route vehicle not found", "route_id", route.ID, "vehicle_id", *route.VehicleID)
		case err != nil:
			return nil, fmt.Errorf("failed to load vehicle %s: %w", *route.VehicleID, err)
		default:
			vehicle = v
		}
	}
	bookings, err := s.fleet.GetBookingsByRoute(ctx, route.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookings for route %s: %w", route.ID, err)
	}
	return templates.BuildTemplateContext(route, driver, vehicle, bookings, &dispatchedAt, s.baseURL), nil
}

// attempt claims one channel row, sends it and, on failure, tries at most one fallback row.
// A row another delivery already holds is skipped.
func (s *DispatchService) attempt(ctx context.Context, run *delivery, row *model.ChannelDispatch) {
	claimed, err := s.dispatches.ClaimChannelDispatch(ctx, row.ID, s.now().Add(-s.claimTTL))
	if err != nil {
		run.fail(fmt.Errorf("channel %s: %w", row.Channel, err))
		return
	}
	if !claimed {
		logger.Info("channel held by another delivery, skipping", "dispatch_id", run.dispatch.ID, "channel", row.Channel)
		return
	}
	run.sent()

	started := s.now()
	res := s.sendToChannel(ctx, row.Channel, run)
	prom.AddChannelSend(string(row.Channel), res.Success, s.now().Sub(started).Seconds())

	sentAt := res.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	update := model.ChannelDispatchUpdate{SentAt: &sentAt}
	if res.Success {
		deliveredAt := s.now()
		update.Status = model.ChannelStatusDelivered
		update.DeliveredAt = &deliveredAt
		if res.ProviderMessageID != "" {
			update.ProviderMessageID = &res.ProviderMessageID
		}
	} else {
		if strings.TrimSpace(res.Error) == "" {
			res.Error = gateway.UnknownError
		}
		update.Status = model.ChannelStatusFailed
		update.ErrorMessage = &res.Error
		logger.Warn("channel delivery failed", "dispatch_id", run.dispatch.ID, "channel", row.Channel, "error", res.Error)
	}
	if _, err := s.dispatches.UpdateChannelDispatch(ctx, row.ID, update); err != nil {
		run.fail(fmt.Errorf("channel %s: %w", row.Channel, err))
		return
	}

	if res.Success || row.IsFallback || !run.driver.FallbackEnabled {
		return
	}
	fallback, ok := s.router.GetFallbackChannel(run.driver, row.Channel)
	if !ok || containsChannel(run.dispatch.RequestedChannels, fallback) || !run.claim(fallback) {
		return
	}

	fbRow, err := s.dispatches.CreateChannelDispatch(ctx, &model.ChannelDispatch{
		DispatchID: run.dispatch.ID,
		Channel:    fallback,
		Status:     model.ChannelStatusPending,
		IsFallback: true,
	})
	if err != nil {
		run.fail(fmt.Errorf("fallback %s: %w", fallback, err))
		return
	}
	prom.AddChannelFallback(string(row.Channel), string(fallback))
	logger.Info("trying fallback channel", "dispatch_id", run.dispatch.ID, "failed", row.Channel, "fallback", fallback)
	s.attempt(ctx, run, fbRow)
}

func (s *DispatchService) sendToChannel(ctx context.Context, ch model.Channel, run *delivery) model.ChannelResult {
	adapter, ok := s.adapter(ch)
	if !ok {
		return s.failedResult(ch, "No adapter registered for channel: "+string(ch))
	}
	if !adapter.CanSend(run.driver) {
		return s.failedResult(ch, fmt.Sprintf("Driver does not have %s configured", ch))
	}
	body, err := s.renderer.RenderForChannel(ch, run.context)
	if err != nil {
		return s.failedResult(ch, err.Error())
	}
	return adapter.Send(ctx, &model.ChannelMessage{
		DispatchID: run.dispatch.ID,
		Driver:     run.driver,
		Context:    run.context,
		Body:       body,
	})
}

func (s *DispatchService) failedResult(ch model.Channel, msg string) model.ChannelResult {
	return model.ChannelResult{Success: false, Channel: ch, Error: msg, SentAt: s.now()}
}

// failDispatch closes a dispatch whose route or driver disappeared after it was accepted.
// Only rows this call can claim are failed; the rest stay with their current sender.
func (s *DispatchService) failDispatch(ctx context.Context, d *model.Dispatch, rows []*model.ChannelDispatch, reason string) error {
	var errs *multierror.Error
	now := s.now()
	failed := 0
	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}
		claimed, err := s.dispatches.ClaimChannelDispatch(ctx, row.ID, now.Add(-s.claimTTL))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		_, err = s.dispatches.UpdateChannelDispatch(ctx, row.ID, model.ChannelDispatchUpdate{
			Status:       model.ChannelStatusFailed,
			ErrorMessage: &reason,
			SentAt:       &now,
		})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		failed++
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to close dispatch %s: %w", d.ID, err)
	}
	logger.Warn("dispatch failed before delivery", "dispatch_id", d.ID, "reason", reason)
	return s.complete(ctx, d, failed)
}

func aggregateStatus(outcomes []deliveryOutcome) model.DispatchStatus {
	if len(outcomes) == 0 {
		return model.DispatchStatusFailed
	}
	ok := 0
	for _, o := range outcomes {
		if o.success {
			ok++
		}
	}
	switch {
	case ok == len(outcomes):
		return model.DispatchStatusDelivered
	case ok > 0:
		return model.DispatchStatusPartiallyDelivered
	default:
		return model.DispatchStatusFailed
	}
}

func containsChannel(list []model.Channel, ch model.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

// DispatchBatch dispatches every request independently; one failure never aborts the rest.
func (s *DispatchService) DispatchBatch(ctx context.Context, reqs []model.DispatchRequest) (*model.BatchResult, error) {
	if len(reqs) == 0 {
		return nil, ErrBatchEmpty
	}
	if len(reqs) > model.MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	results := make([]model.BatchItemResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			item := model.BatchItemResult{Index: i}
			res, err := s.Dispatch(ctx, reqs[i])
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Success = true
				item.DispatchID = res.DispatchID
			}
			results[i] = item
			return nil
		})
	}
	_ = g.Wait()

	summary := model.BatchSummary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	logger.Info("dispatch batch processed", "total", summary.Total, "successful", summary.Successful, "failed", summary.Failed)
	return &model.BatchResult{Results: results, Summary: summary}, nil
}

func (s *DispatchService) GetDispatch(ctx context.Context, id string) (*model.DispatchWithChannels, error) {
	if !model.IsUUID(id) {
		return nil, ErrDispatchNotFound
	}
	dwc, err := s.dispatches.GetDispatchWithChannels(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDispatchNotFound
		}
		return nil, fmt.Errorf("failed to get dispatch: %w", err)
	}
	return dwc, nil
}

func (s *DispatchService) ListDispatches(ctx context.Context, filter model.DispatchFilter) ([]*model.Dispatch, int64, error) {
	list, total, err := s.dispatches.ListDispatches(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dispatches: %w", err)
	}
	return list, total, nil
}

func (s *DispatchService) GetStats(ctx context.Context) (*model.DispatchStats, error) {
	stats, err := s.dispatches.GetDispatchStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch stats: %w", err)
	}
	return stats, nil
}

// Acknowledge records the driver's receipt confirmation. Only the first call sets the timestamp.
func (s *DispatchService) Acknowledge(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	if !model.IsUUID(dispatchID) {
		return nil, ErrDispatchNotFound
	}
	d, err := s.dispatches.MarkAcknowledged(ctx, dispatchID, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDispatchNotFound
		}
		return nil, fmt.Errorf("failed to acknowledge dispatch: %w", err)
	}
	logger.Info("dispatch acknowledged", "dispatch_id", d.ID)
	return d, nil
}
