package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/mailroom/internal/domain"
)

type mockRepo struct {
	tenants map[string]*domain.Tenant
}

func (m *mockRepo) Get(_ context.Context, tenantID string) (*domain.Tenant, error) {
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) SendingDomain(_ context.Context, name string) (*domain.SendingDomain, error) {
	return nil, ErrDomainNotFound
}

func testService(t *testing.T, tenants ...*domain.Tenant) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := &mockRepo{tenants: make(map[string]*domain.Tenant)}
	for _, tn := range tenants {
		repo.tenants[tn.ID] = tn
	}
	return NewService(repo, NewQuotaLimiter(client))
}

func activeTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:            "t1",
		Name:          "Acme",
		Active:        true,
		Plan:          domain.PlanProfessional,
		DailyCap:      100,
		HourlyCap:     10,
		PerMinuteCap:  3,
		SenderDomains: []string{"acme.example"},
	}
}

func TestValidateOperationHappyPath(t *testing.T) {
	svc := testService(t, activeTenant())

	tn, err := svc.ValidateOperation(context.Background(), "t1", "news@acme.example")
	require.NoError(t, err)
	assert.Equal(t, "t1", tn.ID)
}

func TestValidateOperationUnknownTenant(t *testing.T) {
	svc := testService(t)

	_, err := svc.ValidateOperation(context.Background(), "nope", "news@acme.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateOperationInactiveTenant(t *testing.T) {
	tn := activeTenant()
	tn.Active = false
	svc := testService(t, tn)

	_, err := svc.ValidateOperation(context.Background(), "t1", "news@acme.example")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestValidateOperationForeignSenderDomain(t *testing.T) {
	svc := testService(t, activeTenant())

	_, err := svc.ValidateOperation(context.Background(), "t1", "spoof@other.example")
	assert.ErrorIs(t, err, ErrDomainNotAllowed)
}

func TestSenderDomainCaseInsensitive(t *testing.T) {
	svc := testService(t, activeTenant())

	_, err := svc.ValidateOperation(context.Background(), "t1", "news@ACME.Example")
	assert.NoError(t, err)
}

func TestConsumeQuotaMinuteCapExhausted(t *testing.T) {
	svc := testService(t, activeTenant())
	ctx := context.Background()
	tn := activeTenant()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ConsumeQuota(ctx, tn))
	}

	err := svc.ConsumeQuota(ctx, tn)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, domain.QuotaPerMinute, rle.Tier)
}

func TestConsumeQuotaDeniedLeavesCountersUntouched(t *testing.T) {
	svc := testService(t, activeTenant())
	ctx := context.Background()
	tn := activeTenant()
	tn.PerMinuteCap = 1

	require.NoError(t, svc.ConsumeQuota(ctx, tn))
	require.Error(t, svc.ConsumeQuota(ctx, tn))

	usage, err := svc.Usage(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Minute, "denied consume must not bump counters")
}

func TestUsageReflectsConsumes(t *testing.T) {
	svc := testService(t, activeTenant())
	ctx := context.Background()
	tn := activeTenant()

	require.NoError(t, svc.ConsumeQuota(ctx, tn))
	require.NoError(t, svc.ConsumeQuota(ctx, tn))

	usage, err := svc.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Minute)
	assert.Equal(t, int64(2), usage.Hour)
	assert.Equal(t, int64(2), usage.Day)
}

func TestDailyCapWinsOverMinute(t *testing.T) {
	svc := testService(t, activeTenant())
	ctx := context.Background()
	tn := activeTenant()
	tn.PerMinuteCap = 1
	tn.DailyCap = 0

	err := svc.ConsumeQuota(ctx, tn)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, domain.QuotaDaily, rle.Tier)
}
