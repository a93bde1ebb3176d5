package admission

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/service/reputation"
	"github.com/ultrazend/mailroom/internal/service/tenant"
)

type fakeStore struct {
	jobs       map[string]*domain.DeliveryJob
	messageIDs map[string]bool
	enqueueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       make(map[string]*domain.DeliveryJob),
		messageIDs: make(map[string]bool),
	}
}

func (f *fakeStore) Enqueue(_ context.Context, job *domain.DeliveryJob) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	if f.messageIDs[job.MessageID] {
		return domain.ErrDuplicateMessage
	}
	job.ID = "job-" + job.MessageID
	f.messageIDs[job.MessageID] = true
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) Cancel(_ context.Context, tenantID, jobID string) (bool, error) {
	j, ok := f.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return false, nil
	}
	if j.State == domain.JobPending || j.State == domain.JobDeferred {
		j.State = domain.JobFailed
		j.LastError = "cancelled"
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) MarkCancelRequested(_ context.Context, tenantID, jobID string) (bool, error) {
	j, ok := f.jobs[jobID]
	if ok && j.TenantID == tenantID && j.State == domain.JobProcessing {
		j.LastError = "cancel_requested"
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) Get(_ context.Context, jobID string) (*domain.DeliveryJob, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeStore) Stats(context.Context, string) (*domain.TenantStats, error) {
	return &domain.TenantStats{ByState: map[string]int64{"delivered": 3}}, nil
}

type fakeTenants struct {
	tenants  map[string]*domain.Tenant
	quotaErr error
	consumed int
}

func (f *fakeTenants) Get(_ context.Context, id string) (*domain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenants) ValidateOperation(ctx context.Context, id, from string) (*domain.Tenant, error) {
	t, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, tenant.ErrInactive
	}
	if !t.AllowsSenderDomain(domain.EmailDomain(from)) {
		return nil, tenant.ErrDomainNotAllowed
	}
	return t, nil
}

func (f *fakeTenants) ConsumeQuota(context.Context, *domain.Tenant) error {
	if f.quotaErr != nil {
		return f.quotaErr
	}
	f.consumed++
	return nil
}

func (f *fakeTenants) Usage(context.Context, string) (*domain.TenantUsage, error) {
	return &domain.TenantUsage{Minute: 1, Hour: 5, Day: 20}, nil
}

type fakeSuppressions struct{ blocked map[string]bool }

func (f *fakeSuppressions) IsSuppressed(_ context.Context, _, email string) bool {
	return f.blocked[email]
}

type fakeReputations struct {
	domains map[string]*domain.DomainReputation
	denied  map[string]bool
}

func (f *fakeReputations) CheckDeliveryAllowed(_ context.Context, name string) (*domain.DeliveryCheck, error) {
	if f.denied[name] {
		return &domain.DeliveryCheck{
			Allowed:         false,
			Recommendations: []string{"domain is blocked due to sustained failures"},
		}, nil
	}
	if rep, ok := f.domains[name]; ok {
		return &domain.DeliveryCheck{Allowed: true, Score: rep.Score}, nil
	}
	return &domain.DeliveryCheck{Allowed: true, Score: 100, Warnings: []string{"new domain"}}, nil
}

func (f *fakeReputations) GetDomain(_ context.Context, name string) (*domain.DomainReputation, error) {
	rep, ok := f.domains[name]
	if !ok {
		return nil, reputation.ErrUnknownDomain
	}
	return rep, nil
}

type fakeAudit struct{ entries []*domain.AuditEntry }

func (f *fakeAudit) Append(_ context.Context, e *domain.AuditEntry) {
	f.entries = append(f.entries, e)
}

type openGate struct{ closedFor map[string]bool }

func (g *openGate) Admits(key string) bool { return !g.closedFor[key] }

type fixture struct {
	svc          *Service
	store        *fakeStore
	tenants      *fakeTenants
	suppressions *fakeSuppressions
	reputations  *fakeReputations
	audit        *fakeAudit
	gate         *openGate
}

func newFixture() *fixture {
	f := &fixture{
		store: newFakeStore(),
		tenants: &fakeTenants{tenants: map[string]*domain.Tenant{
			"t42": {
				ID:            "t42",
				Active:        true,
				Plan:          domain.PlanProfessional,
				PerMinuteCap:  60,
				HourlyCap:     1000,
				DailyCap:      10000,
				SenderDomains: []string{"acme.test"},
			},
		}},
		suppressions: &fakeSuppressions{blocked: make(map[string]bool)},
		reputations: &fakeReputations{
			domains: make(map[string]*domain.DomainReputation),
			denied:  make(map[string]bool),
		},
		audit: &fakeAudit{},
		gate:  &openGate{closedFor: make(map[string]bool)},
	}
	f.svc = NewService(f.store, f.tenants, f.suppressions, f.reputations, f.audit, f.gate)
	return f
}

func validRequest() *EnqueueRequest {
	return &EnqueueRequest{
		TenantID: "t42",
		From:     "news@acme.test",
		To:       "u@example.org",
		Subject:  "Hi",
		TextBody: "hello",
	}
}

func TestEnqueueHappyPath(t *testing.T) {
	f := newFixture()

	res, err := f.svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	require.NotEmpty(t, res.MessageID)
	assert.True(t, strings.HasSuffix(res.MessageID, "@acme.test"))

	job := f.store.jobs[res.JobID]
	require.NotNil(t, job)
	// 50 base + 10 professional; unknown recipient domain adds nothing.
	assert.Equal(t, 60, job.Priority)
	assert.Equal(t, domain.JobPending, job.State)
	assert.Equal(t, 1, f.tenants.consumed)

	require.NotEmpty(t, f.audit.entries)
	assert.Equal(t, domain.AuditEnqueued, f.audit.entries[0].Action)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Enqueue(context.Background(), &EnqueueRequest{
		TenantID: "t42",
		From:     "not-an-address",
		To:       "a@b.test,c@d.test",
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"from", "to", "subject", "body"}, verr.Fields)
}

func TestEnqueueInactiveTenant(t *testing.T) {
	f := newFixture()
	f.tenants.tenants["t42"].Active = false

	_, err := f.svc.Enqueue(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrTenantInactive)
	assert.Empty(t, f.store.jobs)
}

func TestEnqueueDomainNotAllowed(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.From = "spoof@other.test"

	_, err := f.svc.Enqueue(context.Background(), req)
	assert.ErrorIs(t, err, ErrDomainNotAllowed)
}

func TestEnqueueSuppressedRecipient(t *testing.T) {
	f := newFixture()
	f.suppressions.blocked["u@example.org"] = true

	_, err := f.svc.Enqueue(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Empty(t, f.store.jobs, "suppressed request must not touch the queue")
	assert.Zero(t, f.tenants.consumed, "suppressed request must not consume quota")
}

func TestEnqueueReputationBlocked(t *testing.T) {
	f := newFixture()
	f.reputations.denied["example.org"] = true

	_, err := f.svc.Enqueue(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrReputationBlocked)
	assert.Empty(t, f.store.jobs)
}

func TestEnqueueRateExceeded(t *testing.T) {
	f := newFixture()
	f.tenants.quotaErr = &tenant.RateLimitError{Tier: domain.QuotaPerMinute}

	_, err := f.svc.Enqueue(context.Background(), validRequest())
	var rle *RateExceededError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, domain.QuotaPerMinute, rle.Tier)
	assert.Empty(t, f.store.jobs, "rate-limited request writes no job")
}

func TestEnqueueDuplicateMessageID(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.MessageID = "fixed@acme.test"

	_, err := f.svc.Enqueue(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.Enqueue(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestEnqueueRolloutClosed(t *testing.T) {
	f := newFixture()
	f.gate.closedFor["t42"] = true

	_, err := f.svc.Enqueue(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrRolloutClosed)
	assert.Empty(t, f.store.jobs)
}

func TestPriorityReputationAdjustment(t *testing.T) {
	f := newFixture()
	f.reputations.domains["example.org"] = &domain.DomainReputation{Score: 97}

	res, err := f.svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	// 50 + 10 plan + 10 high score.
	assert.Equal(t, 70, f.store.jobs[res.JobID].Priority)

	f2 := newFixture()
	f2.reputations.domains["example.org"] = &domain.DomainReputation{Score: 20}
	f2.tenants.tenants["t42"].HistoricalReputation = 0.95

	res2, err := f2.svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	// 50 + 10 plan - 10 low score + 5 history.
	assert.Equal(t, 55, f2.store.jobs[res2.JobID].Priority)
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)

	ok, err := f.svc.Cancel(context.Background(), "t42", res.JobID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.JobFailed, f.store.jobs[res.JobID].State)
	assert.Equal(t, "cancelled", f.store.jobs[res.JobID].LastError)

	// Second cancel is a no-op on the now-terminal job.
	ok, err = f.svc.Cancel(context.Background(), "t42", res.JobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelProcessingJobFlagsOnly(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	f.store.jobs[res.JobID].State = domain.JobProcessing

	ok, err := f.svc.Cancel(context.Background(), "t42", res.JobID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.JobProcessing, f.store.jobs[res.JobID].State)
	assert.Equal(t, "cancel_requested", f.store.jobs[res.JobID].LastError)
}

func TestCancelWrongTenant(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)

	ok, err := f.svc.Cancel(context.Background(), "other", res.JobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetTenantStats(t *testing.T) {
	f := newFixture()

	stats, err := f.svc.GetTenantStats(context.Background(), "t42")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Delivery.ByState["delivered"])
	assert.Equal(t, int64(59), stats.Remaining.Minute)
	assert.Equal(t, int64(995), stats.Remaining.Hour)
	assert.Equal(t, int64(9980), stats.Remaining.Day)
}
