package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/mailroom/internal/domain"
)

// quotaLuaScript atomically checks all three tenant caps and only
// increments when every cap passes. GET → check → INCR done client-side
// would race under concurrent admits.
const quotaLuaScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local increment = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])
local hourLimit = tonumber(ARGV[3])
local dayLimit = tonumber(ARGV[4])

local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if dayCurrent + increment > dayLimit then
    return {0, 3, dayCurrent}
end
if hourCurrent + increment > hourLimit then
    return {0, 2, hourCurrent}
end
if minCurrent + increment > minuteLimit then
    return {0, 1, minCurrent}
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, 120)
end
local newHour = redis.call("INCRBY", hourKey, increment)
if newHour == increment then
    redis.call("EXPIRE", hourKey, 7200)
end
local newDay = redis.call("INCRBY", dayKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dayKey, 90000)
end

return {1, 0, newDay}
`

// QuotaLimiter enforces per-tenant sending caps against Redis.
type QuotaLimiter struct {
	redis  *redis.Client
	script *redis.Script
}

// NewQuotaLimiter creates a limiter over an existing Redis client.
func NewQuotaLimiter(client *redis.Client) *QuotaLimiter {
	return &QuotaLimiter{redis: client, script: redis.NewScript(quotaLuaScript)}
}

// NewQuotaLimiterFromURL connects to Redis and verifies the connection.
func NewQuotaLimiterFromURL(redisURL string) (*QuotaLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewQuotaLimiter(client), nil
}

func quotaKeys(tenantID string, now time.Time) []string {
	return []string{
		fmt.Sprintf("quota:%s:min:%d", tenantID, now.Unix()/60),
		fmt.Sprintf("quota:%s:hour:%d", tenantID, now.Unix()/3600),
		fmt.Sprintf("quota:%s:day:%s", tenantID, now.Format("2006-01-02")),
	}
}

// CheckAndIncrement atomically consumes one unit of the tenant's quota.
// On denial it reports which cap was exhausted; counters are untouched.
func (q *QuotaLimiter) CheckAndIncrement(ctx context.Context, t *domain.Tenant) (allowed bool, exhausted domain.QuotaTier, err error) {
	result, err := q.script.Run(ctx, q.redis, quotaKeys(t.ID, time.Now()),
		1, t.PerMinuteCap, t.HourlyCap, t.DailyCap,
	).Slice()
	if err != nil {
		return false, "", fmt.Errorf("quota check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, "", nil
	}
	switch result[1].(int64) {
	case 1:
		return false, domain.QuotaPerMinute, nil
	case 2:
		return false, domain.QuotaHourly, nil
	default:
		return false, domain.QuotaDaily, nil
	}
}

// Usage returns the tenant's live counters for the current buckets.
func (q *QuotaLimiter) Usage(ctx context.Context, tenantID string) (*domain.TenantUsage, error) {
	keys := quotaKeys(tenantID, time.Now())
	vals, err := q.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quota usage read failed: %w", err)
	}

	parse := func(v interface{}) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		var n int64
		fmt.Sscan(s, &n)
		return n
	}
	return &domain.TenantUsage{
		Minute: parse(vals[0]),
		Hour:   parse(vals[1]),
		Day:    parse(vals[2]),
	}, nil
}
