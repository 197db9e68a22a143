package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	ledgerapp "github.com/muselab/genledger/internal/ledger_service/app"
	"github.com/muselab/genledger/internal/orchestrator_service/adapters/provider"
	"github.com/muselab/genledger/internal/orchestrator_service/domain"
	"github.com/muselab/genledger/internal/orchestrator_service/repository"
	"github.com/muselab/genledger/internal/orchestrator_service/repository/postgres"
)

// DB is the database surface the orchestrator needs: plain queries plus the
// ability to open a transaction. Satisfied by *pgxpool.Pool.
type DB interface {
	repository.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreditLedger is the slice of the ledger service the orchestrator depends on.
type CreditLedger interface {
	CheckAndReserve(ctx context.Context, userID uuid.UUID, amount int64, relatedJobID uuid.UUID, description string) (*ledgerapp.ReserveResult, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, relatedJobID uuid.UUID, description string) (uuid.UUID, error)
	RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, relatedJobID uuid.UUID, description string) (uuid.UUID, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// EventPublisher publishes terminal job events. Satisfied by the NATS client.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config carries the orchestrator's tunables.
type Config struct {
	CallbackBaseURL string
	SubmitTimeout   time.Duration
	PollStaleness   time.Duration
	PollTimeout     time.Duration
}

// Orchestrator drives generation jobs from paid submission to terminal state,
// reconciling provider webhooks and polls into at-most-one terminal
// transition per job with its compensating refund.
type Orchestrator struct {
	db           DB
	jobRepo      repository.JobRepository
	deliveryRepo repository.WebhookDeliveryRepository
	ledger       CreditLedger
	providers    *provider.Registry
	publisher    EventPublisher
	cfg          Config
	logger       *slog.Logger
}

func NewOrchestrator(
	db DB,
	jobRepo repository.JobRepository,
	deliveryRepo repository.WebhookDeliveryRepository,
	ledger CreditLedger,
	providers *provider.Registry,
	publisher EventPublisher,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.PollStaleness <= 0 {
		cfg.PollStaleness = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 15 * time.Second
	}
	return &Orchestrator{
		db:           db,
		jobRepo:      jobRepo,
		deliveryRepo: deliveryRepo,
		ledger:       ledger,
		providers:    providers,
		publisher:    publisher,
		cfg:          cfg,
		logger:       logger.With("service", "orchestrator"),
	}
}

// SubmitOperation charges the operation's cost and hands the task to the
// responsible provider, returning the job and the balance after the charge.
// The charge happens before submission; a provider rejection fails the job
// and refunds in the same database transaction as the terminal transition.
func (o *Orchestrator) SubmitOperation(ctx context.Context, userID uuid.UUID, kind domain.OperationKind, idempotencyKey string, input json.RawMessage) (*domain.GenerationJob, int64, error) {
	cost, err := domain.CostFor(kind)
	if err != nil {
		return nil, 0, err
	}
	providerName, err := domain.ProviderFor(kind)
	if err != nil {
		return nil, 0, err
	}
	adapter, err := o.providers.Get(providerName)
	if err != nil {
		return nil, 0, err
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	if existing, err := o.jobRepo.GetByUserAndKey(ctx, o.db, userID, idempotencyKey); err == nil {
		o.logger.InfoContext(ctx, "Submission replayed via idempotency key",
			"user_id", userID, "idempotency_key", idempotencyKey, "job_id", existing.ID)
		balance, balErr := o.ledger.GetBalance(ctx, userID)
		if balErr != nil {
			return nil, 0, fmt.Errorf("balance lookup failed: %w", balErr)
		}
		return existing, balance, nil
	} else if !errors.Is(err, domain.ErrJobNotFound) {
		return nil, 0, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	jobID := uuid.New()
	reservation, err := o.ledger.CheckAndReserve(ctx, userID, cost, jobID, string(kind))
	if err != nil {
		return nil, 0, fmt.Errorf("credit reservation failed: %w", err)
	}
	if !reservation.Granted {
		operationsSubmittedCounter.WithLabelValues(providerName, string(kind), "insufficient_credits").Inc()
		return nil, 0, &domain.InsufficientCreditError{
			Required: cost,
			Balance:  reservation.BalanceAfter,
			Deficit:  reservation.Deficit,
		}
	}
	creditsChargedCounter.WithLabelValues(string(kind)).Add(float64(cost))

	job := &domain.GenerationJob{
		ID:             jobID,
		UserID:         userID,
		Provider:       providerName,
		OperationKind:  kind,
		IdempotencyKey: idempotencyKey,
		CostCharged:    cost,
	}
	if _, err := o.jobRepo.Create(ctx, o.db, job); err != nil {
		if errors.Is(err, postgres.ErrDuplicateIdempotencyKey) {
			// Lost a concurrent submission race. Release our charge and
			// return the winner's job.
			if _, refundErr := o.ledger.Refund(ctx, userID, cost, jobID, "duplicate submission"); refundErr != nil {
				o.logger.ErrorContext(ctx, "Failed to refund duplicate submission",
					"error", refundErr, "user_id", userID, "job_id", jobID)
			}
			winner, winnerErr := o.jobRepo.GetByUserAndKey(ctx, o.db, userID, idempotencyKey)
			if winnerErr != nil {
				return nil, 0, winnerErr
			}
			balance, balErr := o.ledger.GetBalance(ctx, userID)
			if balErr != nil {
				return nil, 0, fmt.Errorf("balance lookup failed: %w", balErr)
			}
			return winner, balance, nil
		}
		// The charge committed but the job row never existed, so no terminal
		// transition will ever compensate it. Release the charge here.
		if _, refundErr := o.ledger.Refund(ctx, userID, cost, jobID, "job creation failed"); refundErr != nil {
			o.logger.ErrorContext(ctx, "Failed to refund after job creation failure",
				"error", refundErr, "user_id", userID, "job_id", jobID)
		}
		return nil, 0, fmt.Errorf("job creation failed: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()
	start := time.Now()
	result, err := adapter.Submit(submitCtx, provider.SubmitRequest{
		JobID:         job.ID,
		OperationKind: kind,
		Input:         input,
		CallbackURL:   o.cfg.CallbackBaseURL + "/callbacks/" + providerName,
	})
	providerSubmitDurationHist.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	if err != nil {
		operationsSubmittedCounter.WithLabelValues(providerName, string(kind), "provider_error").Inc()
		reason := fmt.Sprintf("provider submission failed: %v", err)
		if _, failErr := o.failWithRefund(ctx, job, reason); failErr != nil {
			o.logger.ErrorContext(ctx, "Failed to fail job after provider rejection",
				"error", failErr, "job_id", job.ID)
		}
		return nil, 0, &domain.ProviderSubmissionError{Provider: providerName, Err: err}
	}

	if err := o.jobRepo.AttachExternalID(ctx, o.db, job.ID, result.ExternalJobID); err != nil {
		// Without the external id no webhook or poll can ever reach this job;
		// it would hold the charge forever. Fail it and refund instead.
		operationsSubmittedCounter.WithLabelValues(providerName, string(kind), "internal_error").Inc()
		o.logger.ErrorContext(ctx, "Failed to attach external job id",
			"error", err, "job_id", job.ID, "external_job_id", result.ExternalJobID)
		if _, failErr := o.failWithRefund(ctx, job, "failed to record provider job id"); failErr != nil {
			o.logger.ErrorContext(ctx, "Failed to fail job after attach failure",
				"error", failErr, "job_id", job.ID)
		}
		return nil, 0, fmt.Errorf("failed to record provider job id: %w", err)
	}
	job.ExternalJobID = &result.ExternalJobID

	operationsSubmittedCounter.WithLabelValues(providerName, string(kind), "accepted").Inc()
	o.logger.InfoContext(ctx, "Operation submitted",
		"job_id", job.ID, "user_id", userID, "operation", kind,
		"provider", providerName, "external_job_id", result.ExternalJobID, "cost", cost)
	return job, reservation.BalanceAfter, nil
}

// reconcileOutcome tells the post-commit side what a reconcile did.
type reconcileOutcome int

const (
	outcomeStale reconcileOutcome = iota
	outcomeProgress
	outcomeTerminal
)

// Reconcile applies a normalized provider signal to a job. Safe to call any
// number of times from any source: the first terminal signal wins, later
// signals and progress after a terminal state are dropped.
func (o *Orchestrator) Reconcile(ctx context.Context, job *domain.GenerationJob, update domain.StatusUpdate, source domain.ReconcileSource) error {
	var outcome reconcileOutcome
	txErr := pgx.BeginFunc(ctx, o.db, func(tx pgx.Tx) error {
		var err error
		outcome, err = o.reconcileInTx(ctx, tx, job, update)
		return err
	})
	if txErr != nil {
		return txErr
	}
	o.afterReconcile(ctx, job, update, source, outcome)
	return nil
}

// reconcileInTx applies the update inside the caller's transaction so the
// dedup record, the transition and the compensating refund commit together.
// Metrics, events and logs belong after the commit, in afterReconcile.
func (o *Orchestrator) reconcileInTx(ctx context.Context, tx pgx.Tx, job *domain.GenerationJob, update domain.StatusUpdate) (reconcileOutcome, error) {
	switch update.Status {
	case domain.CanonicalStatusProgress:
		if job.Status.Terminal() {
			return outcomeStale, nil
		}
		if err := o.jobRepo.UpdateProgress(ctx, tx, job.ID, update.Progress); err != nil {
			return outcomeStale, fmt.Errorf("progress update failed: %w", err)
		}
		return outcomeProgress, nil

	case domain.CanonicalStatusSucceeded:
		won, err := o.jobRepo.MarkSucceeded(ctx, tx, job.ID, update.Payload)
		if err != nil {
			return outcomeStale, fmt.Errorf("succeeded transition failed: %w", err)
		}
		if !won {
			return outcomeStale, nil
		}
		return outcomeTerminal, nil

	case domain.CanonicalStatusFailed:
		won, err := o.terminalRefundInTx(ctx, tx, job, domain.JobStatusFailed, update.Reason)
		if err != nil {
			return outcomeStale, err
		}
		if !won {
			return outcomeStale, nil
		}
		return outcomeTerminal, nil

	default:
		return outcomeStale, fmt.Errorf("unknown canonical status %q", update.Status)
	}
}

func (o *Orchestrator) afterReconcile(ctx context.Context, job *domain.GenerationJob, update domain.StatusUpdate, source domain.ReconcileSource, outcome reconcileOutcome) {
	switch outcome {
	case outcomeStale:
		reconcileSignalsCounter.WithLabelValues(string(source), "stale").Inc()
	case outcomeProgress:
		reconcileSignalsCounter.WithLabelValues(string(source), "progress").Inc()
	case outcomeTerminal:
		reconcileSignalsCounter.WithLabelValues(string(source), "terminal").Inc()
		switch update.Status {
		case domain.CanonicalStatusSucceeded:
			o.publishTerminal(ctx, job, domain.JobStatusSucceeded, "")
			o.logger.InfoContext(ctx, "Job succeeded", "job_id", job.ID, "source", source)
		case domain.CanonicalStatusFailed:
			creditsRefundedCounter.WithLabelValues(string(job.OperationKind)).Add(float64(job.CostCharged))
			o.publishTerminal(ctx, job, domain.JobStatusFailed, update.Reason)
			o.logger.InfoContext(ctx, "Job failed", "job_id", job.ID, "source", source, "reason", update.Reason)
		}
	}
}

// ReconcileByExternalID resolves the provider's job id and reconciles.
// Signals for unknown external ids are a logged anomaly, not an error to the
// provider.
func (o *Orchestrator) ReconcileByExternalID(ctx context.Context, providerName, externalJobID string, update domain.StatusUpdate, source domain.ReconcileSource) error {
	job, err := o.jobRepo.GetByExternalID(ctx, o.db, providerName, externalJobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			reconcileSignalsCounter.WithLabelValues(string(source), "orphan").Inc()
			o.logger.WarnContext(ctx, "Status signal for unknown external job",
				"provider", providerName, "external_job_id", externalJobID)
			return domain.ErrJobNotFound
		}
		return err
	}
	return o.Reconcile(ctx, job, update, source)
}

// HandleCallback authenticates, deduplicates and reconciles one provider
// webhook. Duplicate deliveries and orphan callbacks are acknowledged without
// effect; only authentication and parse failures surface as errors.
func (o *Orchestrator) HandleCallback(ctx context.Context, providerName string, r *http.Request, body []byte) error {
	adapter, err := o.providers.Get(providerName)
	if err != nil {
		webhookDeliveriesCounter.WithLabelValues(providerName, "unknown_provider").Inc()
		return err
	}

	event, err := adapter.ParseWebhook(r, body)
	if err != nil {
		webhookDeliveriesCounter.WithLabelValues(providerName, "rejected").Inc()
		return err
	}
	if event.DeliveryID == "" {
		sum := sha256.Sum256(body)
		event.DeliveryID = hex.EncodeToString(sum[:])
	}

	// The dedup record and the reconciliation commit in one transaction. If
	// reconciliation fails the record rolls back too, so the provider's retry
	// is not absorbed as a duplicate with the signal lost.
	var (
		duplicate bool
		orphan    bool
		outcome   reconcileOutcome
		job       *domain.GenerationJob
	)
	txErr := pgx.BeginFunc(ctx, o.db, func(tx pgx.Tx) error {
		err := o.deliveryRepo.Insert(ctx, tx, &domain.WebhookDelivery{
			Provider:      providerName,
			DeliveryID:    event.DeliveryID,
			ExternalJobID: event.ExternalJobID,
		})
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateDelivery) {
				duplicate = true
				return nil
			}
			return fmt.Errorf("delivery record failed: %w", err)
		}

		job, err = o.jobRepo.GetByExternalID(ctx, tx, providerName, event.ExternalJobID)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				orphan = true
				return nil
			}
			return err
		}
		outcome, err = o.reconcileInTx(ctx, tx, job, event.Update)
		return err
	})
	if txErr != nil {
		return txErr
	}

	if duplicate {
		webhookDeliveriesCounter.WithLabelValues(providerName, "duplicate").Inc()
		o.logger.InfoContext(ctx, "Duplicate webhook delivery dropped",
			"provider", providerName, "delivery_id", event.DeliveryID)
		return nil
	}
	if orphan {
		webhookDeliveriesCounter.WithLabelValues(providerName, "orphan").Inc()
		reconcileSignalsCounter.WithLabelValues(string(domain.ReconcileSourceWebhook), "orphan").Inc()
		o.logger.WarnContext(ctx, "Status signal for unknown external job",
			"provider", providerName, "external_job_id", event.ExternalJobID)
		return nil
	}
	o.afterReconcile(ctx, job, event.Update, domain.ReconcileSourceWebhook, outcome)
	webhookDeliveriesCounter.WithLabelValues(providerName, "processed").Inc()
	return nil
}

// Cancel transitions a pending job to cancelled and refunds its charge. A job
// already in a terminal state returns ErrJobAlreadyTerminal with the current
// job so the caller can report the conflict.
func (o *Orchestrator) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := o.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, domain.ErrJobAlreadyTerminal
	}

	won, err := o.cancelWithRefund(ctx, job)
	if err != nil {
		return nil, err
	}
	current, readErr := o.jobRepo.GetByID(ctx, o.db, jobID)
	if readErr != nil {
		return nil, readErr
	}
	if !won {
		// A terminal signal slipped in between the read and the update.
		return current, domain.ErrJobAlreadyTerminal
	}
	o.logger.InfoContext(ctx, "Job cancelled", "job_id", jobID, "user_id", userID)
	return current, nil
}

// GetJob returns the job, refreshing it from the provider first when it has
// been pending without news for longer than the staleness window.
func (o *Orchestrator) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := o.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() || job.ExternalJobID == nil ||
		time.Since(job.UpdatedAt) < o.cfg.PollStaleness {
		return job, nil
	}

	adapter, err := o.providers.Get(job.Provider)
	if err != nil {
		return job, nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
	defer cancel()
	update, err := adapter.Poll(pollCtx, *job.ExternalJobID)
	if err != nil {
		// Stale answer beats no answer; the next read or webhook catches up.
		o.logger.WarnContext(ctx, "Provider poll failed",
			"error", err, "job_id", job.ID, "provider", job.Provider)
		return job, nil
	}
	if err := o.Reconcile(ctx, job, *update, domain.ReconcileSourcePoll); err != nil {
		o.logger.ErrorContext(ctx, "Poll reconciliation failed", "error", err, "job_id", job.ID)
		return job, nil
	}
	return o.jobRepo.GetByID(ctx, o.db, jobID)
}

func (o *Orchestrator) getOwnedJob(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := o.jobRepo.GetByID(ctx, o.db, jobID)
	if err != nil {
		return nil, err
	}
	// Other users' jobs are indistinguishable from absent ones.
	if job.UserID != userID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// failWithRefund commits the failed transition and the compensating refund
// atomically. Returns whether this call won the transition.
func (o *Orchestrator) failWithRefund(ctx context.Context, job *domain.GenerationJob, reason string) (bool, error) {
	won, err := o.terminalWithRefund(ctx, job, domain.JobStatusFailed, reason)
	if err != nil {
		return false, err
	}
	if won {
		o.publishTerminal(ctx, job, domain.JobStatusFailed, reason)
	}
	return won, nil
}

func (o *Orchestrator) cancelWithRefund(ctx context.Context, job *domain.GenerationJob) (bool, error) {
	won, err := o.terminalWithRefund(ctx, job, domain.JobStatusCancelled, "cancelled by user")
	if err != nil {
		return false, err
	}
	if won {
		o.publishTerminal(ctx, job, domain.JobStatusCancelled, "cancelled by user")
	}
	return won, nil
}

func (o *Orchestrator) terminalWithRefund(ctx context.Context, job *domain.GenerationJob, status domain.JobStatus, reason string) (bool, error) {
	var won bool
	txErr := pgx.BeginFunc(ctx, o.db, func(tx pgx.Tx) error {
		var err error
		won, err = o.terminalRefundInTx(ctx, tx, job, status, reason)
		return err
	})
	if txErr != nil {
		return false, txErr
	}
	if won {
		creditsRefundedCounter.WithLabelValues(string(job.OperationKind)).Add(float64(job.CostCharged))
	}
	return won, nil
}

// terminalRefundInTx applies a refunding terminal transition using the
// caller's transaction. Returns whether this call won the transition.
func (o *Orchestrator) terminalRefundInTx(ctx context.Context, tx pgx.Tx, job *domain.GenerationJob, status domain.JobStatus, reason string) (bool, error) {
	var won bool
	var err error
	switch status {
	case domain.JobStatusFailed:
		won, err = o.jobRepo.MarkFailed(ctx, tx, job.ID, reason)
	case domain.JobStatusCancelled:
		won, err = o.jobRepo.MarkCancelled(ctx, tx, job.ID, reason)
	default:
		return false, fmt.Errorf("status %q does not refund", status)
	}
	if err != nil {
		return false, fmt.Errorf("terminal transition failed: %w", err)
	}
	if !won {
		return false, nil
	}
	if _, err := o.ledger.RefundTx(ctx, tx, job.UserID, job.CostCharged, job.ID, string(status)+": "+reason); err != nil {
		return false, fmt.Errorf("refund failed: %w", err)
	}
	return true, nil
}

type terminalEvent struct {
	JobID         uuid.UUID `json:"job_id"`
	UserID        uuid.UUID `json:"user_id"`
	Provider      string    `json:"provider"`
	OperationKind string    `json:"operation_kind"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// publishTerminal emits the terminal event. Publishing is best-effort; the
// database is the source of truth.
func (o *Orchestrator) publishTerminal(ctx context.Context, job *domain.GenerationJob, status domain.JobStatus, reason string) {
	if o.publisher == nil {
		return
	}
	event := terminalEvent{
		JobID:         job.ID,
		UserID:        job.UserID,
		Provider:      job.Provider,
		OperationKind: string(job.OperationKind),
		Status:        string(status),
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	subject := "jobs.terminal." + string(status)
	if err := o.publisher.Publish(ctx, subject, data); err != nil {
		o.logger.ErrorContext(ctx, "Failed to publish terminal event",
			"error", err, "subject", subject, "job_id", job.ID)
	}
}
