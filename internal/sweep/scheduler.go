// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/energyhub/permission-mediation/internal/metrics"
	"github.com/energyhub/permission-mediation/pkg/core"
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("sweep already running")

type Config struct {
	Interval       time.Duration
	Staleness      time.Duration
	AwaitingStatus core.Status
	TargetStatus   core.Status
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Staleness <= 0 {
		c.Staleness = 24 * time.Hour
	}
	// Staleness is matched in whole hours; round up so a sub-hour value never
	// becomes zero.
	if rem := c.Staleness % time.Hour; rem != 0 {
		c.Staleness += time.Hour - rem
	}
	if c.AwaitingStatus == "" {
		c.AwaitingStatus = core.StatusSentToAdministrator
	}
	if c.TargetStatus == "" {
		c.TargetStatus = core.StatusTimedOut
	}
	return c
}

func (c Config) StalenessHours() int { return int(c.Staleness / time.Hour) }

// Report summarizes one sweep run.
type Report struct {
	Found          int
	Transitioned   int
	AlreadyHandled int
	Failed         int
}

// Scheduler periodically reclaims permissions stuck in the awaiting status.
// Runs never overlap: a tick that fires while the previous run is still
// active is skipped.
type Scheduler struct {
	repo      core.StalePermissionRequestRepository
	lifecycle core.Lifecycle
	cfg       Config
	logger    *slog.Logger

	running  atomic.Bool
	skipped  atomic.Int64
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewScheduler(repo core.StalePermissionRequestRepository, lifecycle core.Lifecycle, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		repo:      repo,
		lifecycle: lifecycle,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "stale-sweep"),
		stopChan:  make(chan struct{}),
	}
	if cfg.Staleness > 0 && cfg.Staleness != s.cfg.Staleness {
		s.logger.Warn("staleness rounded up to whole hours", "configured", cfg.Staleness, "effective", s.cfg.Staleness)
	}
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// Skipped returns the number of ticks dropped because a run was active.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Start blocks, running the sweep on every tick until ctx is cancelled or
// Stop is called. An active run is waited for before returning.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("stale sweep started",
		"interval", s.cfg.Interval,
		"staleness", s.cfg.Staleness,
		"awaiting_status", s.cfg.AwaitingStatus,
		"target_status", s.cfg.TargetStatus)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stale sweep stopping")
			return
		case <-s.stopChan:
			s.logger.Info("stale sweep stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		metrics.SweepSkippedTotal.Inc()
		s.logger.Warn("previous sweep still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.run(ctx)
	}()
}

// RunOnce performs a single sweep synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stale sweep panicked", "panic", r)
			err = fmt.Errorf("sweep panic: %v", r)
		}
	}()

	stale, err := s.repo.FindStale(ctx, s.cfg.AwaitingStatus, s.cfg.StalenessHours())
	if err != nil {
		s.logger.Error("failed to list stale permissions", "error", err)
		return report, err
	}
	report.Found = len(stale)
	metrics.SweepRunsTotal.Inc()
	if len(stale) == 0 {
		return report, nil
	}

	s.logger.Info("found stale permissions", "count", len(stale), "status", s.cfg.AwaitingStatus)
	for _, pr := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		_, err := s.lifecycle.Transition(ctx, pr.PermissionID, s.cfg.TargetStatus, "stale in "+string(s.cfg.AwaitingStatus))
		switch {
		case err == nil:
			report.Transitioned++
			metrics.SweepTransitionedTotal.Inc()
		case errors.Is(err, core.ErrValidation):
			// Already moved on since the projection was read.
			report.AlreadyHandled++
			s.logger.Debug("stale permission already transitioned", "permission_id", pr.PermissionID, "error", err)
		default:
			report.Failed++
			metrics.SweepFailuresTotal.Inc()
			s.logger.Error("failed to reclaim stale permission", "permission_id", pr.PermissionID, "error", err)
		}
	}

	s.logger.Info("stale sweep finished",
		"found", report.Found,
		"transitioned", report.Transitioned,
		"already_handled", report.AlreadyHandled,
		"failed", report.Failed)
	return report, nil
}
