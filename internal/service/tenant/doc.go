// Package tenant resolves tenant accounts and enforces their sending
// quotas and sender-domain restrictions.
//
// Quota counters live in Redis, bucketed per minute, hour, and day, and
// are checked and incremented in one Lua script so concurrent admits
// cannot race past a cap. Counters are never decremented: a job that is
// admitted but later fails downstream still consumed quota.
package tenant
