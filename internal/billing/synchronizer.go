package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"subsync/internal/external"
	"subsync/internal/types"
)

// Outcome classifies how a webhook delivery was handled.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDropped    Outcome = "dropped"
	OutcomeRejected   Outcome = "rejected"
	OutcomeInFlight   Outcome = "in_flight"
	OutcomeFailed     Outcome = "failed"
)

// Result describes a handled delivery. Outcomes other than Rejected,
// InFlight and Failed are acknowledged to the provider.
type Result struct {
	Outcome   Outcome
	EventID   string
	EventType types.EventType
	AccountID string
	Reason    string
	Version   int64
	Effects   []types.Effect
}

// SynchronizerConfig tunes the sync pipeline.
type SynchronizerConfig struct {
	WebhookSecret     types.SecretString
	ProcessingTimeout time.Duration
	LedgerLease       time.Duration
	MaxWriteAttempts  int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	EffectTimeout     time.Duration
	EnrichCheckout    bool
}

// SynchronizerDeps are the collaborators of a Synchronizer. Provider,
// Notifier and Metrics are optional.
type SynchronizerDeps struct {
	Verifier   external.WebhookVerifier
	Normalizer *Normalizer
	Store      AccountStore
	Ledger     Ledger
	Notifier   Notifier
	Provider   external.BillingProvider
	Metrics    Metrics
	Logger     *slog.Logger
}

// Synchronizer applies provider webhooks to account subscriptions exactly
// once per event id.
type Synchronizer struct {
	verifier   external.WebhookVerifier
	normalizer *Normalizer
	store      AccountStore
	ledger     Ledger
	notifier   Notifier
	provider   external.BillingProvider
	metrics    Metrics
	logger     *slog.Logger
	cfg        SynchronizerConfig

	sleepFn func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewSynchronizer wires a Synchronizer. Zero config values fall back to
// the service defaults.
func NewSynchronizer(deps SynchronizerDeps, cfg SynchronizerConfig) *Synchronizer {
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Second
	}
	if cfg.LedgerLease <= 0 {
		cfg.LedgerLease = 2 * time.Minute
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = 5
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 20 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = 5 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &Synchronizer{
		verifier:   deps.Verifier,
		normalizer: deps.Normalizer,
		store:      deps.Store,
		ledger:     deps.Ledger,
		notifier:   deps.Notifier,
		provider:   deps.Provider,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		sleepFn:    sleepCtx,
		now:        time.Now,
	}
}

// Process authenticates, normalizes and applies one webhook delivery.
//
// A nil error means the delivery should be acknowledged. Errors are
// AppErrors whose HTTP status tells the provider whether to retry:
// signature and envelope failures are 4xx, an event leased by another
// worker is 409, and storage or timeout failures are 5xx.
func (s *Synchronizer) Process(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	start := s.now()
	res, err := s.process(ctx, payload, signatureHeader)

	mctx := context.WithoutCancel(ctx)
	s.metrics.RecordOutcome(mctx, res.Outcome, res.EventType)
	s.metrics.RecordLatency(mctx, res.Outcome, s.now().Sub(start))
	return res, err
}

func (s *Synchronizer) process(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	if err := s.verifier.Verify(payload, signatureHeader, s.cfg.WebhookSecret.Unmask()); err != nil {
		s.logger.WarnContext(ctx, "webhook signature rejected", "error", err)
		return Result{Outcome: OutcomeRejected}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingTimeout)
	defer cancel()

	ev, err := s.normalizer.Normalize(payload)
	res := Result{EventID: ev.EventID, EventType: ev.Type, AccountID: ev.AccountID}
	if err != nil {
		return s.classifyNormalizeError(ctx, res, ev, err)
	}

	log := s.logger.With(
		"event_id", ev.EventID,
		"event_type", string(ev.Type),
		"account_id", ev.AccountID,
	)

	admit, err := s.ledger.Admit(ctx, ev.EventID, ev.Type, s.cfg.LedgerLease)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, s.failure(ctx, types.ErrCodeInternalLedger, "failed to admit event", err)
	}
	switch admit {
	case types.AdmitDuplicate:
		log.InfoContext(ctx, "duplicate event acknowledged")
		res.Outcome = OutcomeDuplicate
		return res, nil
	case types.AdmitInFlight:
		log.InfoContext(ctx, "event is being processed by another worker")
		res.Outcome = OutcomeInFlight
		return res, types.NewAppError(types.ErrCodeEventInFlight, "event is already being processed", nil)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EffectTimeout)
		defer rcancel()
		if err := s.ledger.Release(rctx, ev.EventID); err != nil {
			log.ErrorContext(rctx, "failed to release ledger lease", "error", err)
		}
	}()

	if err := s.enrich(ctx, &ev); err != nil {
		res.Outcome = OutcomeFailed
		return res, s.failure(ctx, types.ErrCodeUpstreamUnavailable, "failed to read subscription from provider", err)
	}

	tr, err := s.applyWithRetry(ctx, ev, log)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundAccount) {
			log.ErrorContext(ctx, "event references unknown account, dropping")
			res.Outcome = OutcomeDropped
			res.Reason = "unknown_account"
			return res, nil
		}
		res.Outcome = OutcomeFailed
		return res, s.failure(ctx, types.ErrCodeInternalDB, "failed to apply event", err)
	}
	res.Version = tr.Next.Version
	res.Reason = tr.Reason

	commitErr := s.ledger.Commit(ctx, ev.EventID)
	committed = commitErr == nil

	if tr.Changed {
		// The write is durable; effects go out even if the ledger commit
		// failed, since a redelivery will find nothing left to change.
		s.dispatch(ctx, tr.Effects, log)
		res.Effects = tr.Effects
	}

	if commitErr != nil {
		res.Outcome = OutcomeFailed
		return res, s.failure(ctx, types.ErrCodeInternalLedger, "failed to commit event", commitErr)
	}

	if !tr.Changed || tr.Reason == ReasonCanceledSub {
		log.InfoContext(ctx, "event suppressed", "reason", tr.Reason)
		res.Outcome = OutcomeSuppressed
		return res, nil
	}

	log.InfoContext(ctx, "event applied",
		"version", tr.Next.Version,
		"status", string(tr.Next.Status),
		"plan_id", string(tr.Next.PlanID),
		"effects", len(tr.Effects),
	)
	res.Outcome = OutcomeProcessed
	return res, nil
}

func (s *Synchronizer) classifyNormalizeError(ctx context.Context, res Result, ev types.InboundEvent, err error) (Result, error) {
	switch {
	case ev.EventID == "":
		s.logger.WarnContext(ctx, "webhook body is not a usable event", "error", err)
		res.Outcome = OutcomeRejected
		return res, err
	case types.IsCode(err, types.ErrCodeUnrecognizedEventType):
		s.logger.InfoContext(ctx, "ignoring unhandled event type",
			"event_id", ev.EventID,
			"provider_type", ev.ProviderType,
		)
		res.Outcome = OutcomeIgnored
		return res, nil
	default:
		// Retrying cannot fix a payload, so it is acknowledged and surfaced
		// to operators instead.
		s.logger.ErrorContext(ctx, "dropping malformed event",
			"event_id", ev.EventID,
			"provider_type", ev.ProviderType,
			"error", err,
		)
		res.Outcome = OutcomeDropped
		res.Reason = "malformed"
		return res, nil
	}
}

// enrich fills a checkout's missing period end from the provider.
func (s *Synchronizer) enrich(ctx context.Context, ev *types.InboundEvent) error {
	if ev.Type != types.EventCheckoutCompleted || ev.Payload.PeriodEnd != nil {
		return nil
	}
	if !s.cfg.EnrichCheckout || s.provider == nil || ev.Payload.SubscriptionID == "" {
		return nil
	}
	info, err := s.provider.GetSubscription(ctx, ev.Payload.SubscriptionID)
	if err != nil {
		return err
	}
	if !info.CurrentPeriodEnd.IsZero() {
		end := info.CurrentPeriodEnd.UTC()
		ev.Payload.PeriodEnd = &end
	}
	return nil
}

// applyWithRetry reads, transitions and conditionally writes the account,
// retrying with jittered backoff when a concurrent writer wins the race.
func (s *Synchronizer) applyWithRetry(ctx context.Context, ev types.InboundEvent, log *slog.Logger) (Transition, error) {
	for attempt := 0; attempt < s.cfg.MaxWriteAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleepFn(ctx, s.backoff(attempt)); err != nil {
				return Transition{}, err
			}
		}

		acct, err := s.store.Get(ctx, ev.AccountID)
		if err != nil {
			return Transition{}, err
		}

		tr := Apply(acct.Subscription, ev)
		if !tr.Changed {
			return tr, nil
		}

		stored, err := s.store.ApplyTransition(ctx, ev.AccountID, acct.Subscription.Version, tr.Next)
		if err == nil {
			tr.Next = stored.Subscription
			for i := range tr.Effects {
				tr.Effects[i].Subscription = stored.Subscription
			}
			return tr, nil
		}
		if !types.IsCode(err, types.ErrCodeVersionConflict) {
			return Transition{}, err
		}
		s.metrics.RecordConflict(context.WithoutCancel(ctx))
		log.DebugContext(ctx, "version conflict, retrying",
			"attempt", attempt+1,
			"expected_version", acct.Subscription.Version,
		)
	}
	return Transition{}, types.NewAppError(types.ErrCodeWriteContention,
		fmt.Sprintf("gave up after %d conflicting writes", s.cfg.MaxWriteAttempts), nil)
}

// backoff draws a full-jitter delay from [BackoffMin, min(BackoffMax, BackoffMin*2^attempt)].
func (s *Synchronizer) backoff(attempt int) time.Duration {
	ceiling := math.Min(float64(s.cfg.BackoffMin)*math.Pow(2, float64(attempt)), float64(s.cfg.BackoffMax))
	floor := float64(s.cfg.BackoffMin)
	if ceiling <= floor {
		return s.cfg.BackoffMin
	}
	return time.Duration(floor + rand.Float64()*(ceiling-floor))
}

// dispatch hands effects to the notifier on a context that outlives the
// request, bounded by EffectTimeout. Failures are logged only.
func (s *Synchronizer) dispatch(ctx context.Context, effects []types.Effect, log *slog.Logger) {
	if s.notifier == nil || len(effects) == 0 {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EffectTimeout)
	defer cancel()
	for _, e := range effects {
		if err := s.notifier.Notify(dctx, e); err != nil {
			log.ErrorContext(dctx, "failed to dispatch effect",
				"effect", string(e.Kind),
				"error", err,
			)
		}
	}
}

// failure wraps err with code unless it is already an AppError, and turns
// an expired processing budget into ErrCodeProcessingTimeout.
func (s *Synchronizer) failure(ctx context.Context, code types.ErrorCode, msg string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeProcessingTimeout, "event processing timed out", err)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return types.NewAppError(code, msg, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
