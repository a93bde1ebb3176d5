package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ultrazend/mailroom/internal/dkim"
	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/metrics"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
	"github.com/ultrazend/mailroom/internal/repository/postgres"
	"github.com/ultrazend/mailroom/internal/service/suppression"
	"github.com/ultrazend/mailroom/internal/smtp"
)

// cancelRequestedFlag is the last_error value set on a processing job
// whose cancellation is pending the in-flight attempt.
const cancelRequestedFlag = "cancel_requested"

// Outcome recording retries before the job is abandoned to the
// inflight-leak sweep.
const (
	recordRetries   = 3
	recordRetryBase = 500 * time.Millisecond
)

// OutcomeStore is the queue surface the deliverer writes results to.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, jobID string, rec postgres.OutcomeRecord) error
	Get(ctx context.Context, jobID string) (*domain.DeliveryJob, error)
	WriteInbox(ctx context.Context, job *domain.DeliveryJob) error
}

// TenantReader re-checks tenant state at delivery time.
type TenantReader interface {
	Get(ctx context.Context, tenantID string) (*domain.Tenant, error)
}

// ReputationRecorder feeds outcomes back into the reputation engine and
// gates sends to blocked domains.
type ReputationRecorder interface {
	CheckDeliveryAllowed(ctx context.Context, domainName string) (*domain.DeliveryCheck, error)
	RecordSuccess(ctx context.Context, domainName, mxServer string, responseMs int64) error
	RecordFailure(ctx context.Context, domainName, mxServer, reason string) error
}

// BounceRecorder turns classified 5xx rejections into suppressions.
type BounceRecorder interface {
	RecordBounce(ctx context.Context, tenantID, email, smtpResponse string) (domain.BounceType, error)
}

// KeySource provides the DKIM key for the envelope-from domain.
type KeySource interface {
	GetOrGenerate(ctx context.Context, domainName string) (*domain.DKIMKey, error)
}

// Signer produces the DKIM-Signature header value for a message.
// dkim.Sign satisfies this.
type Signer func(key *domain.DKIMKey, headers []dkim.Header, body string) (string, error)

// Mailer performs the SMTP transaction.
type Mailer interface {
	Send(ctx context.Context, from, to string, raw []byte) (*smtp.Result, error)
}

// Observer receives one sample per completed attempt. The rollback
// controller implements this.
type Observer interface {
	Observe(success bool, latencyMs int64, critical bool)
}

// Deliverer executes one delivery attempt per claimed job and always
// resolves it to a classified outcome. No error escapes Deliver; every
// path either records an outcome or leaves the job for the inflight
// sweep after the recording retries are spent.
type Deliverer struct {
	store        OutcomeStore
	tenants      TenantReader
	reputations  ReputationRecorder
	bounces      BounceRecorder
	keys         KeySource
	sign         Signer
	mailer       Mailer
	planner      *Planner
	observer     Observer
	metrics      *metrics.Metrics
	localDomains map[string]bool

	attemptTimeout time.Duration
}

// NewDeliverer wires a deliverer. observer and m may be nil.
func NewDeliverer(store OutcomeStore, tenants TenantReader, reputations ReputationRecorder,
	bounces BounceRecorder, keys KeySource, sign Signer, mailer Mailer, planner *Planner,
	observer Observer, m *metrics.Metrics, localDomains []string, attemptTimeout time.Duration) *Deliverer {

	locals := make(map[string]bool, len(localDomains))
	for _, d := range localDomains {
		locals[d] = true
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	return &Deliverer{
		store:          store,
		tenants:        tenants,
		reputations:    reputations,
		bounces:        bounces,
		keys:           keys,
		sign:           sign,
		mailer:         mailer,
		planner:        planner,
		observer:       observer,
		metrics:        m,
		localDomains:   locals,
		attemptTimeout: attemptTimeout,
	}
}

// Deliver runs one attempt for a job already claimed into processing.
func (d *Deliverer) Deliver(ctx context.Context, job *domain.DeliveryJob) {
	outcome := d.attempt(ctx, job)
	d.apply(ctx, job, outcome)
}

// attempt produces exactly one classified outcome for the job.
func (d *Deliverer) attempt(ctx context.Context, job *domain.DeliveryJob) *domain.DeliveryOutcome {
	t, err := d.tenants.Get(ctx, job.TenantID)
	if err != nil {
		// A store hiccup is not a policy decision; retry the attempt.
		return &domain.DeliveryOutcome{
			Class:  domain.OutcomeRetryableTransport,
			Reason: fmt.Sprintf("tenant lookup failed: %v", err),
		}
	}
	if !t.Active {
		return &domain.DeliveryOutcome{
			Class:  domain.OutcomePolicyBlock,
			Reason: "TenantInactive",
		}
	}

	check, err := d.reputations.CheckDeliveryAllowed(ctx, job.RecipientDomain())
	if err == nil && !check.Allowed {
		// The domain went into the blocked tier after enqueue. Defer
		// rather than fail: the tier can recover within the retry window.
		return &domain.DeliveryOutcome{
			Class:  domain.OutcomeSoftBounce,
			Reason: "recipient domain reputation blocked",
		}
	}

	key, err := d.keys.GetOrGenerate(ctx, job.SenderDomain())
	if errors.Is(err, dkim.ErrDomainNotVerified) {
		// A verification refusal is terminal: retrying cannot verify a
		// domain. Anything else from the keystore is a store error.
		return &domain.DeliveryOutcome{
			Class:  domain.OutcomePolicyBlock,
			Reason: "DomainNotVerified",
		}
	}
	if err != nil {
		return &domain.DeliveryOutcome{
			Class:  domain.OutcomeRetryableTransport,
			Reason: fmt.Sprintf("dkim key lookup failed: %v", err),
		}
	}

	msg, err := smtp.Build(job)
	if err != nil {
		return &domain.DeliveryOutcome{
			Class:  domain.OutcomePolicyBlock,
			Reason: fmt.Sprintf("message build failed: %v", err),
		}
	}
	sig, err := d.sign(key, msg.Headers, msg.Body)
	if err != nil {
		return &domain.DeliveryOutcome{
			Class:  domain.OutcomePolicyBlock,
			Reason: fmt.Sprintf("dkim signing failed: %v", err),
		}
	}
	raw := msg.Raw(sig)

	if d.localDomains[job.RecipientDomain()] {
		if err := d.store.WriteInbox(ctx, job); err != nil {
			return &domain.DeliveryOutcome{
				Class:  domain.OutcomeRetryableTransport,
				Reason: fmt.Sprintf("inbox write failed: %v", err),
			}
		}
		return &domain.DeliveryOutcome{Class: domain.OutcomeDelivered, MXServer: "local"}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	start := time.Now()
	res, err := d.mailer.Send(sendCtx, job.FromEmail, job.ToEmail, raw)
	if err != nil {
		return classifySendError(err, time.Since(start).Milliseconds())
	}
	return &domain.DeliveryOutcome{
		Class:          domain.OutcomeDelivered,
		MXServer:       res.MXServer,
		DeliveryTimeMs: res.DurationMs,
	}
}

// classifySendError maps a Send failure to its outcome class: 4xx is
// retryable, 5xx classifies into hard/soft/block by response text, and
// anything without a server response is a transport error.
func classifySendError(err error, elapsedMs int64) *domain.DeliveryOutcome {
	var remote *smtp.RemoteError
	if !errors.As(err, &remote) {
		return &domain.DeliveryOutcome{
			Class:          domain.OutcomeRetryableTransport,
			DeliveryTimeMs: elapsedMs,
			Reason:         err.Error(),
		}
	}

	out := &domain.DeliveryOutcome{
		MXServer:       remote.MXServer,
		DeliveryTimeMs: elapsedMs,
		SMTPResponse:   remote.Error(),
		Reason:         remote.Message,
	}
	if remote.Temporary() {
		out.Class = domain.OutcomeRetryableSmtp4xx
		return out
	}
	switch suppression.ClassifyBounce(remote.Error()) {
	case domain.BounceHard:
		out.Class = domain.OutcomeHardBounce
	case domain.BounceBlock:
		out.Class = domain.OutcomePolicyBlock
	default:
		out.Class = domain.OutcomeSoftBounce
	}
	return out
}

// apply records the outcome and feeds the bookkeeping systems.
func (d *Deliverer) apply(ctx context.Context, job *domain.DeliveryJob, outcome *domain.DeliveryOutcome) {
	rec := postgres.OutcomeRecord{
		Class:          outcome.Class,
		DeliveryTimeMs: outcome.DeliveryTimeMs,
		MXServer:       outcome.MXServer,
		LastError:      outcome.Reason,
		RawReport:      outcome.SMTPResponse,
	}

	switch {
	case outcome.Class == domain.OutcomeDelivered:
		rec.State = domain.JobDelivered
		if err := d.reputations.RecordSuccess(ctx, job.RecipientDomain(), outcome.MXServer, outcome.DeliveryTimeMs); err != nil {
			logger.Warn("reputation success not recorded", "job_id", job.ID, "error", err.Error())
		}

	case outcome.Class.Retryable():
		d.recordFailureStats(ctx, job, outcome)
		switch {
		case d.cancelRequested(ctx, job.ID):
			rec.State = domain.JobFailed
			rec.Class = domain.OutcomeCancelled
			rec.LastError = "cancelled"
		case d.planner.Exhausted(job.Attempts):
			rec.State = domain.JobFailed
			rec.LastError = fmt.Sprintf("retries exhausted after %d attempts: %s", job.Attempts, outcome.Reason)
		default:
			next := time.Now().Add(d.planner.Delay(job.Attempts))
			rec.State = domain.JobPending
			rec.NextAttempt = &next
		}

	case outcome.SMTPResponse != "":
		// Definitive 5xx classified hard or block: bounce and suppress.
		rec.State = domain.JobBounced
		rec.BounceClassification = bounceLabel(outcome.Class)
		d.recordFailureStats(ctx, job, outcome)
		if _, err := d.bounces.RecordBounce(ctx, job.TenantID, job.ToEmail, outcome.SMTPResponse); err != nil {
			logger.Error("bounce suppression not recorded",
				"job_id", job.ID, "to", job.ToEmail, "error", err.Error())
		}

	default:
		// Pre-flight refusal (tenant inactive, unverified domain, signer
		// failure): terminal failed with no suppression side effects.
		rec.State = domain.JobFailed
	}

	d.record(ctx, job.ID, rec)

	if d.metrics != nil {
		d.metrics.ObserveAttempt(string(rec.Class), outcome.DeliveryTimeMs)
	}
	if d.observer != nil {
		critical := outcome.Class == domain.OutcomeRetryableTransport
		d.observer.Observe(outcome.Class == domain.OutcomeDelivered, outcome.DeliveryTimeMs, critical)
	}

	logger.Info("delivery attempt resolved",
		"job_id", job.ID, "tenant_id", job.TenantID, "class", string(rec.Class),
		"state", string(rec.State), "attempts", job.Attempts, "mx", outcome.MXServer)
}

func (d *Deliverer) recordFailureStats(ctx context.Context, job *domain.DeliveryJob, outcome *domain.DeliveryOutcome) {
	if err := d.reputations.RecordFailure(ctx, job.RecipientDomain(), outcome.MXServer, outcome.Reason); err != nil {
		logger.Warn("reputation failure not recorded", "job_id", job.ID, "error", err.Error())
	}
}

// cancelRequested re-reads the job to see whether a cancel landed while
// the attempt was in flight.
func (d *Deliverer) cancelRequested(ctx context.Context, jobID string) bool {
	j, err := d.store.Get(ctx, jobID)
	return err == nil && j.LastError == cancelRequestedFlag
}

// record persists the outcome with bounded in-memory retries. On final
// giveup the job stays in processing and the inflight sweep reclaims it.
func (d *Deliverer) record(ctx context.Context, jobID string, rec postgres.OutcomeRecord) {
	var err error
	for i := 0; i < recordRetries; i++ {
		if err = d.store.RecordOutcome(ctx, jobID, rec); err == nil {
			return
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			// The job left processing underneath us (swept or cancelled).
			logger.Warn("outcome dropped, job no longer processing", "job_id", jobID)
			return
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			i = recordRetries
		case <-time.After(recordRetryBase << uint(i)):
		}
	}
	logger.Error("outcome not recorded, leaving job for inflight sweep",
		"job_id", jobID, "error", err.Error())
}

func bounceLabel(class domain.OutcomeClass) string {
	if class == domain.OutcomePolicyBlock {
		return string(domain.BounceBlock)
	}
	return string(domain.BounceHard)
}
