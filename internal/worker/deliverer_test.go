package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/mailroom/internal/dkim"
	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/repository/postgres"
	"github.com/ultrazend/mailroom/internal/smtp"
)

type fakeOutcomeStore struct {
	recorded  []postgres.OutcomeRecord
	getResult *domain.DeliveryJob
	inbox     []string
}

func (f *fakeOutcomeStore) RecordOutcome(_ context.Context, _ string, rec postgres.OutcomeRecord) error {
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *fakeOutcomeStore) Get(_ context.Context, _ string) (*domain.DeliveryJob, error) {
	if f.getResult == nil {
		return nil, domain.ErrJobNotFound
	}
	return f.getResult, nil
}

func (f *fakeOutcomeStore) WriteInbox(_ context.Context, job *domain.DeliveryJob) error {
	f.inbox = append(f.inbox, job.ToEmail)
	return nil
}

type fakeTenantReader struct {
	tenant *domain.Tenant
	err    error
}

func (f *fakeTenantReader) Get(context.Context, string) (*domain.Tenant, error) {
	return f.tenant, f.err
}

type fakeReputationRecorder struct {
	allowed   bool
	successes int
	failures  []string
}

func (f *fakeReputationRecorder) CheckDeliveryAllowed(context.Context, string) (*domain.DeliveryCheck, error) {
	return &domain.DeliveryCheck{Allowed: f.allowed}, nil
}

func (f *fakeReputationRecorder) RecordSuccess(context.Context, string, string, int64) error {
	f.successes++
	return nil
}

func (f *fakeReputationRecorder) RecordFailure(_ context.Context, _, _, reason string) error {
	f.failures = append(f.failures, reason)
	return nil
}

type fakeBounceRecorder struct {
	bounced []string
}

func (f *fakeBounceRecorder) RecordBounce(_ context.Context, _, email, _ string) (domain.BounceType, error) {
	f.bounced = append(f.bounced, email)
	return domain.BounceHard, nil
}

type fakeKeySource struct{ err error }

func (f *fakeKeySource) GetOrGenerate(_ context.Context, name string) (*domain.DKIMKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.DKIMKey{Domain: name, Selector: "default"}, nil
}

type fakeMailer struct {
	result *smtp.Result
	err    error
	sent   int
}

func (f *fakeMailer) Send(context.Context, string, string, []byte) (*smtp.Result, error) {
	f.sent++
	return f.result, f.err
}

type fakeObserver struct {
	successes int
	criticals int
}

func (f *fakeObserver) Observe(success bool, _ int64, critical bool) {
	if success {
		f.successes++
	}
	if critical {
		f.criticals++
	}
}

func stubSigner(*domain.DKIMKey, []dkim.Header, string) (string, error) {
	return "v=1; a=rsa-sha256; b=stub", nil
}

type delivererFixture struct {
	d      *Deliverer
	store  *fakeOutcomeStore
	reps   *fakeReputationRecorder
	bounce *fakeBounceRecorder
	keys   *fakeKeySource
	mailer *fakeMailer
	obs    *fakeObserver
}

func newDelivererFixture() *delivererFixture {
	f := &delivererFixture{
		store:  &fakeOutcomeStore{},
		reps:   &fakeReputationRecorder{allowed: true},
		bounce: &fakeBounceRecorder{},
		keys:   &fakeKeySource{},
		mailer: &fakeMailer{result: &smtp.Result{MXServer: "mx1.example.org:25", DurationMs: 42}},
		obs:    &fakeObserver{},
	}
	tenants := &fakeTenantReader{tenant: &domain.Tenant{ID: "t1", Active: true}}
	f.d = NewDeliverer(f.store, tenants, f.reps, f.bounce, f.keys, stubSigner, f.mailer,
		NewPlanner(testRetryConfig()), f.obs, nil, []string{"local.test"}, 30*time.Second)
	return f
}

func testJob() *domain.DeliveryJob {
	return &domain.DeliveryJob{
		ID:        "j1",
		MessageID: "m1@acme.test",
		TenantID:  "t1",
		FromEmail: "news@acme.test",
		ToEmail:   "u@example.org",
		Subject:   "Hi",
		TextBody:  "hello",
		State:     domain.JobProcessing,
		Attempts:  1,
	}
}

func TestDeliverSuccess(t *testing.T) {
	f := newDelivererFixture()

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobDelivered, rec.State)
	assert.Equal(t, domain.OutcomeDelivered, rec.Class)
	assert.Equal(t, "mx1.example.org:25", rec.MXServer)
	assert.Equal(t, int64(42), rec.DeliveryTimeMs)
	assert.Equal(t, 1, f.reps.successes)
	assert.Equal(t, 1, f.obs.successes)
}

func TestDeliverTemporaryRejectionReschedules(t *testing.T) {
	f := newDelivererFixture()
	f.mailer.result = nil
	f.mailer.err = &smtp.RemoteError{MXServer: "mx1", Code: 451, Message: "try again later"}

	before := time.Now()
	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobPending, rec.State)
	assert.Equal(t, domain.OutcomeRetryableSmtp4xx, rec.Class)
	require.NotNil(t, rec.NextAttempt)
	// First retry: base 60s plus up to 10% jitter.
	delay := rec.NextAttempt.Sub(before)
	assert.GreaterOrEqual(t, delay, 60*time.Second)
	assert.Less(t, delay, 70*time.Second)
	assert.Len(t, f.reps.failures, 1)
	assert.Empty(t, f.bounce.bounced)
}

func TestDeliverHardBounceSuppresses(t *testing.T) {
	f := newDelivererFixture()
	f.mailer.result = nil
	f.mailer.err = &smtp.RemoteError{MXServer: "mx1", Code: 550, Message: "5.1.1 user unknown"}

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobBounced, rec.State)
	assert.Equal(t, domain.OutcomeHardBounce, rec.Class)
	assert.Equal(t, string(domain.BounceHard), rec.BounceClassification)
	assert.Equal(t, []string{"u@example.org"}, f.bounce.bounced)
	assert.Len(t, f.reps.failures, 1)
}

func TestDeliverPolicyBlockSuppresses(t *testing.T) {
	f := newDelivererFixture()
	f.mailer.result = nil
	f.mailer.err = &smtp.RemoteError{MXServer: "mx1", Code: 554, Message: "5.7.1 blocked by policy"}

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobBounced, rec.State)
	assert.Equal(t, domain.OutcomePolicyBlock, rec.Class)
	assert.Equal(t, string(domain.BounceBlock), rec.BounceClassification)
	assert.Len(t, f.bounce.bounced, 1)
}

func TestDeliverSoft5xxRetries(t *testing.T) {
	f := newDelivererFixture()
	f.mailer.result = nil
	f.mailer.err = &smtp.RemoteError{MXServer: "mx1", Code: 552, Message: "mailbox full"}

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobPending, rec.State)
	assert.Equal(t, domain.OutcomeSoftBounce, rec.Class)
	assert.Empty(t, f.bounce.bounced, "soft bounces never suppress")
}

func TestDeliverTransportErrorRetriesAndCountsCritical(t *testing.T) {
	f := newDelivererFixture()
	f.mailer.result = nil
	f.mailer.err = errors.New("connect mx1: connection refused")

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, domain.OutcomeRetryableTransport, f.store.recorded[0].Class)
	assert.Equal(t, domain.JobPending, f.store.recorded[0].State)
	assert.Equal(t, 1, f.obs.criticals)
}

func TestDeliverExhaustedRetriesFail(t *testing.T) {
	f := newDelivererFixture()
	f.mailer.result = nil
	f.mailer.err = &smtp.RemoteError{MXServer: "mx1", Code: 451, Message: "try again later"}
	job := testJob()
	job.Attempts = 5

	f.d.Deliver(context.Background(), job)

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobFailed, rec.State)
	assert.Contains(t, rec.LastError, "retries exhausted")
	assert.Nil(t, rec.NextAttempt)
}

func TestDeliverCancelAppliedAfterAttempt(t *testing.T) {
	f := newDelivererFixture()
	f.mailer.result = nil
	f.mailer.err = &smtp.RemoteError{MXServer: "mx1", Code: 451, Message: "try again later"}
	flagged := testJob()
	flagged.LastError = cancelRequestedFlag
	f.store.getResult = flagged

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobFailed, rec.State)
	assert.Equal(t, domain.OutcomeCancelled, rec.Class)
	assert.Equal(t, "cancelled", rec.LastError)
}

func TestDeliverUnverifiedDomainFailsWithoutSMTP(t *testing.T) {
	f := newDelivererFixture()
	f.keys.err = dkim.ErrDomainNotVerified

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobFailed, rec.State)
	assert.Equal(t, "DomainNotVerified", rec.LastError)
	assert.Empty(t, rec.BounceClassification)
	assert.Zero(t, f.mailer.sent, "no SMTP attempt for unverified domains")
	assert.Empty(t, f.bounce.bounced)
}

func TestDeliverInactiveTenantFails(t *testing.T) {
	f := newDelivererFixture()
	tenants := &fakeTenantReader{tenant: &domain.Tenant{ID: "t1", Active: false}}
	f.d = NewDeliverer(f.store, tenants, f.reps, f.bounce, f.keys, stubSigner, f.mailer,
		NewPlanner(testRetryConfig()), f.obs, nil, nil, 30*time.Second)

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, domain.JobFailed, f.store.recorded[0].State)
	assert.Equal(t, "TenantInactive", f.store.recorded[0].LastError)
	assert.Zero(t, f.mailer.sent)
}

func TestDeliverTenantLookupErrorRetries(t *testing.T) {
	f := newDelivererFixture()
	tenants := &fakeTenantReader{err: errors.New("connection refused")}
	f.d = NewDeliverer(f.store, tenants, f.reps, f.bounce, f.keys, stubSigner, f.mailer,
		NewPlanner(testRetryConfig()), f.obs, nil, nil, 30*time.Second)

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobPending, rec.State, "a store outage must not terminally fail the job")
	assert.Equal(t, domain.OutcomeRetryableTransport, rec.Class)
	assert.Contains(t, rec.LastError, "tenant lookup failed")
	assert.Zero(t, f.mailer.sent)
}

func TestDeliverKeyLookupErrorRetries(t *testing.T) {
	f := newDelivererFixture()
	f.keys.err = errors.New("lookup active key: connection refused")

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobPending, rec.State)
	assert.Equal(t, domain.OutcomeRetryableTransport, rec.Class)
	assert.Contains(t, rec.LastError, "dkim key lookup failed")
	assert.Zero(t, f.mailer.sent)
}

func TestDeliverBlockedReputationDefers(t *testing.T) {
	f := newDelivererFixture()
	f.reps.allowed = false

	f.d.Deliver(context.Background(), testJob())

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.Equal(t, domain.JobPending, rec.State)
	assert.Equal(t, domain.OutcomeSoftBounce, rec.Class)
	assert.Zero(t, f.mailer.sent)
}

func TestDeliverLocalDomainWritesInbox(t *testing.T) {
	f := newDelivererFixture()
	job := testJob()
	job.ToEmail = "u@local.test"

	f.d.Deliver(context.Background(), job)

	assert.Equal(t, []string{"u@local.test"}, f.store.inbox)
	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, domain.JobDelivered, f.store.recorded[0].State)
	assert.Equal(t, "local", f.store.recorded[0].MXServer)
	assert.Zero(t, f.mailer.sent)
}
