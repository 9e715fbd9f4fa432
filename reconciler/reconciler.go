package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/instanceforge/controlplane/coreengine/observability"
	"github.com/instanceforge/controlplane/messages"
)

// Config holds the reconciler's tunables, all overridable from the
// environment per spec §6.
type Config struct {
	PollingInterval           time.Duration
	EventPollInterval         time.Duration
	MaxRetries                int
	RetryDelay                time.Duration
	ReconciliationTimeout     time.Duration
	Concurrency               int
	ReconcileStoppedInstances bool
	ReconcileErrorInstances   bool
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		PollingInterval:           30 * time.Second,
		EventPollInterval:         5 * time.Second,
		MaxRetries:                3,
		RetryDelay:                10 * time.Second,
		ReconciliationTimeout:     5 * time.Minute,
		Concurrency:               5,
		ReconcileStoppedInstances: false,
		ReconcileErrorInstances:   true,
	}
}

// Reconciler continuously converges actual state toward declared state
// for every known instance, per spec §4.4.
type Reconciler struct {
	client      APIClient
	strategy    Strategy
	registry    *StrategyRegistry
	config      Config
	lastApplied *lastAppliedStore
	audit       *auditLog
	logger      zerolog.Logger
}

// New creates a Reconciler using the Restart strategy unless overridden
// with WithStrategy or WithStrategyName.
func New(client APIClient, config Config) *Reconciler {
	registry := NewStrategyRegistry()
	restart, _ := registry.Get(StrategyRestart)
	return &Reconciler{
		client:      client,
		strategy:    restart,
		registry:    registry,
		config:      config,
		lastApplied: newLastAppliedStore(),
		audit:       newAuditLog(),
		logger:      log.With().Str("component", "reconciler").Logger(),
	}
}

// WithStrategy overrides the active strategy directly and registers it in
// the reconciler's registry under its own name.
func (r *Reconciler) WithStrategy(strategy Strategy) *Reconciler {
	r.strategy = strategy
	r.registry.Register(strategy)
	return r
}

// WithStrategyName switches the active strategy to whichever one is
// registered under name.
func (r *Reconciler) WithStrategyName(name StrategyName) (*Reconciler, error) {
	strategy, err := r.registry.Get(name)
	if err != nil {
		return r, err
	}
	r.strategy = strategy
	return r, nil
}

// AuditTrail returns instanceID's bounded audit log, newest last.
func (r *Reconciler) AuditTrail(instanceID string) []messages.AuditEntry {
	return r.audit.forInstance(instanceID)
}

// Run blocks, driving both the periodic and event-driven loops until ctx
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("polling_interval", r.config.PollingInterval).
		Int("max_retries", r.config.MaxRetries).
		Msg("reconciler started")

	done := make(chan struct{})
	go func() {
		r.runPeriodicLoop(ctx)
		close(done)
	}()

	r.runEventLoop(ctx)
	<-done

	r.logger.Info().Msg("reconciler stopped")
	return nil
}

func (r *Reconciler) runPeriodicLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCycle(ctx, "periodic")
		case <-ctx.Done():
			return
		}
	}
}

// runEventLoop polls getRecentChanges for ConfigurationChanged records and
// reconciles the affected instance immediately, per spec §4.4's
// event-driven loop.
func (r *Reconciler) runEventLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.EventPollInterval)
	defer ticker.Stop()

	since := time.Now().UTC()
	configChanged := messages.StatusConfigurationChanged

	for {
		select {
		case <-ticker.C:
			records, err := r.client.GetRecentChanges(ctx, since, &configChanged)
			if err != nil {
				r.logger.Error().Err(err).Msg("failed to poll recent changes")
				continue
			}
			for _, record := range records {
				if record.Timestamp.After(since) {
					since = record.Timestamp
				}
				r.logger.Info().Str("instance_id", record.InstanceID).Msg("configuration changed, reconciling")
				r.reconcileInstance(ctx, record.InstanceID, "event")
			}
		case <-ctx.Done():
			return
		}
	}
}

type cycleSummary struct {
	checked    int
	drift      int
	noDrift    int
	reconciled int
	failed     int
}

func (r *Reconciler) runCycle(ctx context.Context, trigger string) {
	start := time.Now()
	instances, err := r.client.ListInstances(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list instances for reconciliation")
		observability.RecordReconciliationCycle(trigger, "error", time.Since(start).Milliseconds())
		return
	}

	summary := cycleSummary{}
	semaphore := make(chan struct{}, r.config.Concurrency)
	results := make(chan bool, len(instances))

	for _, instance := range instances {
		instance := instance
		if !r.shouldReconcile(instance) {
			continue
		}

		semaphore <- struct{}{}
		go func() {
			defer func() { <-semaphore }()
			drifted := r.reconcileInstance(ctx, instance.ID, trigger)
			results <- drifted
		}()
		summary.checked++
	}

	for i := 0; i < summary.checked; i++ {
		<-results
	}

	r.logger.Info().
		Str("trigger", trigger).
		Int("checked", summary.checked).
		Dur("duration", time.Since(start)).
		Msg("reconciliation cycle complete")

	observability.RecordReconciliationCycle(trigger, "success", time.Since(start).Milliseconds())
}

func (r *Reconciler) shouldReconcile(instance messages.Instance) bool {
	switch instance.Status {
	case messages.StatusStopped:
		return r.config.ReconcileStoppedInstances
	case messages.StatusError:
		return r.config.ReconcileErrorInstances
	default:
		return true
	}
}

// reconcileInstance runs the full per-instance reconciliation sequence
// named in spec §4.4 step 1-6. It reports whether drift was detected.
func (r *Reconciler) reconcileInstance(ctx context.Context, instanceID, trigger string) bool {
	desired, err := r.client.GetConfiguration(ctx, instanceID)
	if err != nil {
		r.logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to fetch desired configuration")
		return false
	}

	lastApplied, hadLastApplied := r.lastApplied.get(instanceID)
	drifted := detectDrift(desired, lastApplied, hadLastApplied)

	if !drifted {
		r.audit.append(instanceID, "No drift detected", false, time.Now().UTC())
		return false
	}

	observability.RecordDriftDetected()

	if err := r.applyWithRetry(ctx, instanceID, desired); err != nil {
		r.audit.append(instanceID, fmt.Sprintf("Failed to reconcile using %s strategy: %s", r.strategy.Name(), err), true, time.Now().UTC())
		r.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("reconciliation failed after retries")
		return true
	}

	r.lastApplied.set(instanceID, desired)
	r.audit.append(instanceID, fmt.Sprintf("Successfully reconciled using %s strategy", r.strategy.Name()), true, time.Now().UTC())
	return true
}

// applyWithRetry attempts the strategy up to MaxRetries times, spaced by
// RetryDelay, each attempt bounded by ReconciliationTimeout. Outer context
// cancellation aborts immediately without further retries.
func (r *Reconciler) applyWithRetry(ctx context.Context, instanceID string, desired messages.DeclaredConfiguration) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.config.ReconciliationTimeout)
		err := r.strategy.Apply(attemptCtx, r.client, instanceID, desired)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < r.config.MaxRetries {
			select {
			case <-time.After(r.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}
