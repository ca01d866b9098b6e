// Package scheduler builds and maintains per-device forward timelines. A
// sharded worker pool rebuilds each device's window on a ticker, runs the
// budget guard before committing deliveries, handles priority preemption and
// publishes the fleet demand gauge the pricing engine consumes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/catalog"
	"github.com/openooh/doohserve/internal/delivery"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
	"github.com/openooh/doohserve/internal/oracle"
	"github.com/openooh/doohserve/internal/perf"
	"github.com/openooh/doohserve/internal/pricing"
	"github.com/openooh/doohserve/internal/selection"
)

// DemandSink publishes the measured demand level for the pricing engine.
type DemandSink interface {
	SetDemandLevel(ctx context.Context, level float64) error
}

// Config carries the scheduler's tunables.
type Config struct {
	Horizon      time.Duration // forward window H
	SlotDuration time.Duration // nominal granularity G, drives expiry math
	Interval     time.Duration // rebuild cadence per shard
	ShardCount   int
	OfflineAfter time.Duration // heartbeat silence before OFFLINE
}

// Scheduler owns timeline construction for the whole fleet.
type Scheduler struct {
	cfg       Config
	store     models.DataStore
	catalog   *catalog.Catalog
	selector  *selection.Engine
	pricer    *pricing.Engine
	repo      delivery.Repo
	tracker   *delivery.Tracker
	perf      perf.Store
	spend     catalog.SpendSource
	demand    DemandSink
	optimizer oracle.ScheduleOptimizer
	metrics   observability.MetricsRegistry
	logger    *zap.Logger

	nowFn func() time.Time
	idFn  func() string
}

// New wires a scheduler. optimizer may be nil for deterministic assignment.
func New(cfg Config, store models.DataStore, cat *catalog.Catalog, selector *selection.Engine, pricer *pricing.Engine, repo delivery.Repo, tracker *delivery.Tracker, perfStore perf.Store, spend catalog.SpendSource, demand DemandSink, optimizer oracle.ScheduleOptimizer, metrics observability.MetricsRegistry, logger *zap.Logger) *Scheduler {
	if optimizer == nil {
		optimizer = oracle.NullScheduleOptimizer{}
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		catalog:   cat,
		selector:  selector,
		pricer:    pricer,
		repo:      repo,
		tracker:   tracker,
		perf:      perfStore,
		spend:     spend,
		demand:    demand,
		optimizer: optimizer,
		metrics:   metrics,
		logger:    logger,
		nowFn:     time.Now,
		idFn:      uuid.NewString,
	}
}

// SetNowFn overrides the clock, for tests.
func (s *Scheduler) SetNowFn(fn func() time.Time) { s.nowFn = fn }

// SetIDFn overrides delivery ID generation, for tests.
func (s *Scheduler) SetIDFn(fn func() string) { s.idFn = fn }

// Run starts one goroutine per shard and blocks until ctx is done. Each
// shard rebuilds its devices on the configured interval, staggered by shard
// index so the fleet does not rebuild in lockstep.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for shard := 0; shard < s.cfg.ShardCount; shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			stagger := s.cfg.Interval / time.Duration(s.cfg.ShardCount) * time.Duration(shard)
			select {
			case <-ctx.Done():
				return
			case <-time.After(stagger):
			}
			ticker := time.NewTicker(s.cfg.Interval)
			defer ticker.Stop()
			s.runShard(ctx, shard)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runShard(ctx, shard)
				}
			}
		}(shard)
	}
	wg.Wait()
}

func (s *Scheduler) shardOf(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32()) % s.cfg.ShardCount
}

func (s *Scheduler) runShard(ctx context.Context, shard int) {
	// A degraded performance store would slow every Select call; skip the
	// cycle and let the existing timeline ride.
	if !s.perf.Healthy() {
		s.logger.Warn("performance store degraded, skipping rebuild cycle", zap.Int("shard", shard))
		return
	}
	now := s.nowFn()
	for _, device := range s.store.AllDevices() {
		if s.shardOf(device.ID) != shard {
			continue
		}
		s.sweepHealth(device, now)
		if !device.Schedulable() {
			continue
		}
		if err := s.BuildTimeline(ctx, device); err != nil {
			s.logger.Error("timeline rebuild failed", zap.String("device_id", device.ID), zap.Error(err))
		}
	}
	if shard == 0 {
		s.publishDemand(ctx, now)
	}
}

// sweepHealth flips devices to OFFLINE after heartbeat silence. Their stale
// deliveries are expired by the tracker's sweeper.
func (s *Scheduler) sweepHealth(device *models.Device, now time.Time) {
	if device.Health == models.HealthOffline {
		return
	}
	if device.LastSeen.IsZero() || now.Sub(device.LastSeen) <= s.cfg.OfflineAfter {
		return
	}
	if err := s.store.SetDeviceHealth(device.ID, models.HealthOffline, device.LastSeen); err != nil {
		s.logger.Error("offline sweep failed", zap.String("device_id", device.ID), zap.Error(err))
		return
	}
	s.logger.Info("device marked offline",
		zap.String("device_id", device.ID), zap.Time("last_seen", device.LastSeen))
}

// BuildTimeline fills the device's unoccupied slots over the horizon. Each
// free slot gets the selection engine's pick, vetted by the budget guard;
// slots with no viable pick stay empty and are served fallback content at
// pull time.
func (s *Scheduler) BuildTimeline(ctx context.Context, device *models.Device) error {
	now := s.nowFn()
	horizonEnd := now.Add(s.cfg.Horizon)

	existing, err := s.repo.DeviceWindow(ctx, device.ID, now, horizonEnd)
	if err != nil {
		return fmt.Errorf("load device window: %w", err)
	}

	var proposal []oracle.ProposedSlot
	type pickedSlot struct {
		slot slot
		pick *selection.Pick
	}
	var picks []pickedSlot

	for _, sl := range enumerateSlots(device.Class, now, horizonEnd) {
		if slotOccupied(existing, sl) {
			continue
		}
		pick := s.pickForSlot(ctx, device, sl)
		if pick == nil {
			continue
		}
		picks = append(picks, pickedSlot{slot: sl, pick: pick})
		proposal = append(proposal, oracle.ProposedSlot{
			SlotTime:   sl.start,
			Duration:   pick.Creative.DisplayDuration(),
			CampaignID: pick.Campaign.ID,
			CreativeID: pick.Creative.ID,
		})
	}
	if len(picks) == 0 {
		return nil
	}

	// The optimizer may permute assignments across the window; a failure
	// keeps the deterministic ones.
	optimized, err := s.optimizer.Optimize(ctx, device.ID, proposal)
	if err != nil || len(optimized) != len(picks) {
		optimized = proposal
	}

	for i, ps := range picks {
		assignment := optimized[i]
		campaign := s.store.GetCampaign(assignment.CampaignID)
		creative := s.store.GetCreative(assignment.CreativeID)
		if campaign == nil || creative == nil {
			campaign, creative = ps.pick.Campaign, ps.pick.Creative
		}
		if err := s.commit(ctx, device, ps.slot, campaign, creative, campaign.EffectivePriority()); err != nil {
			if errors.Is(err, models.ErrSlotOccupied) || errors.Is(err, models.ErrNoFittingSlot) {
				continue
			}
			return err
		}
	}
	return nil
}

// pickForSlot runs eligibility, selection and the budget guard, retrying
// once with the rejected campaign excluded before giving up on the slot.
func (s *Scheduler) pickForSlot(ctx context.Context, device *models.Device, sl slot) *selection.Pick {
	eligible := s.catalog.EligibleCampaigns(ctx, device, sl.start)
	for attempt := 0; attempt < 2 && len(eligible) > 0; attempt++ {
		pick := s.selector.Select(ctx, device, sl.start, eligible)
		if pick == nil {
			return nil
		}
		if s.budgetAllows(ctx, pick.Campaign, device.Class, sl.start) {
			return pick
		}
		eligible = excludeCampaign(eligible, pick.Campaign.ID)
	}
	return nil
}

// budgetAllows checks projected spend against both budget ceilings.
func (s *Scheduler) budgetAllows(ctx context.Context, campaign *models.Campaign, deviceClass string, slotTime time.Time) bool {
	cost := s.pricer.ExpectedCost(ctx, campaign, deviceClass, slotTime)
	if campaign.Spend+cost > campaign.TotalBudget {
		s.metrics.IncrementBudgetRejections("total_budget")
		return false
	}
	if campaign.DailyBudget > 0 {
		spent, err := s.spend.GetDailySpend(ctx, campaign.ID, slotTime)
		if err != nil {
			s.logger.Warn("daily spend read failed in budget guard",
				zap.String("campaign_id", campaign.ID), zap.Error(err))
		} else if spent+cost > campaign.DailyBudget {
			s.metrics.IncrementBudgetRejections("daily_budget")
			return false
		}
	}
	return true
}

// commit materializes one SCHEDULED delivery after the conflict check.
func (s *Scheduler) commit(ctx context.Context, device *models.Device, sl slot, campaign *models.Campaign, creative *models.Creative, priority int) error {
	duration := creative.DisplayDuration()
	if time.Duration(duration)*time.Second > sl.duration {
		return fmt.Errorf("creative %s needs %ds, slot holds %s: %w",
			creative.ID, duration, sl.duration, models.ErrNoFittingSlot)
	}
	now := s.nowFn().UTC()
	d := &models.Delivery{
		ID:            s.idFn(),
		CampaignID:    campaign.ID,
		CreativeID:    creative.ID,
		DeviceID:      device.ID,
		ScheduledTime: sl.start,
		Duration:      duration,
		Priority:      priority,
		State:         models.StateScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, d); err != nil {
		return err
	}
	s.metrics.IncrementTransitions("NEW", models.StateScheduled)
	return nil
}

// ScheduleAd places an ad for a campaign on a device at an explicit time,
// preempting strictly lower-priority occupants. Every existing delivery in
// the contested interval must have lower priority or the call fails with
// ErrSlotOccupied.
func (s *Scheduler) ScheduleAd(ctx context.Context, campaignID, deviceID string, at time.Time, priority int) (*models.Delivery, error) {
	if priority < 1 || priority > 10 {
		return nil, fmt.Errorf("priority %d out of range: %w", priority, models.ErrInvalidParameter)
	}
	campaign := s.store.GetCampaign(campaignID)
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, models.ErrNotFound)
	}
	device := s.store.GetDevice(deviceID)
	if device == nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	creative, _ := s.selector.PickCreative(campaign, at)
	if creative == nil {
		return nil, fmt.Errorf("campaign %s has no approved creative: %w", campaignID, models.ErrNotFound)
	}

	dur := time.Duration(creative.DisplayDuration()) * time.Second
	occupants, err := s.repo.DeviceWindow(ctx, deviceID, at.Add(-dur), at.Add(dur))
	if err != nil {
		return nil, err
	}
	for _, o := range occupants {
		if o.Priority >= priority {
			return nil, fmt.Errorf("delivery %s holds priority %d: %w", o.ID, o.Priority, models.ErrSlotOccupied)
		}
	}
	for _, o := range occupants {
		if _, err := s.tracker.Cancel(ctx, o.ID, models.ReasonPreempted); err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				continue
			}
			return nil, err
		}
		s.metrics.IncrementPreemptions()
	}

	now := s.nowFn().UTC()
	d := &models.Delivery{
		ID:            s.idFn(),
		CampaignID:    campaignID,
		CreativeID:    creative.ID,
		DeviceID:      deviceID,
		ScheduledTime: at,
		Duration:      creative.DisplayDuration(),
		Priority:      priority,
		State:         models.StateScheduled,
		Metadata:      []models.DeliveryMetadata{models.PriorityMeta(priority)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, d); err != nil {
		return nil, err
	}
	s.metrics.IncrementTransitions("NEW", models.StateScheduled)
	return d, nil
}

// publishDemand measures the fraction of next-hour slots already reserved
// across the schedulable fleet and publishes it for the pricing engine.
func (s *Scheduler) publishDemand(ctx context.Context, now time.Time) {
	var total, reserved int
	hourEnd := now.Add(time.Hour)
	for _, device := range s.store.AllDevices() {
		if !device.Schedulable() {
			continue
		}
		slots := enumerateSlots(device.Class, now, hourEnd)
		if len(slots) == 0 {
			continue
		}
		existing, err := s.repo.DeviceWindow(ctx, device.ID, now, hourEnd)
		if err != nil {
			s.logger.Warn("demand measurement failed", zap.String("device_id", device.ID), zap.Error(err))
			continue
		}
		total += len(slots)
		for _, sl := range slots {
			if slotOccupied(existing, sl) {
				reserved++
			}
		}
	}
	if total == 0 {
		return
	}
	level := float64(reserved) / float64(total)
	s.metrics.SetDemandLevel(level)
	if err := s.demand.SetDemandLevel(ctx, level); err != nil {
		s.logger.Warn("demand publish failed", zap.Error(err))
	}
}

func slotOccupied(existing []*models.Delivery, sl slot) bool {
	for _, d := range existing {
		if d.Overlaps(sl.start, sl.start.Add(sl.duration)) {
			return true
		}
	}
	return false
}

func excludeCampaign(campaigns []*models.Campaign, id string) []*models.Campaign {
	out := campaigns[:0:0]
	for _, c := range campaigns {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
