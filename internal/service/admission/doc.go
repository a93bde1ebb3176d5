// Package admission validates enqueue requests against tenant policy,
// suppression, reputation, and the rollout gate, then writes accepted
// jobs to the durable queue.
//
// Admission never enqueues a job it then rejects: every check runs
// before the store insert, and errors are synchronous responses to the
// caller. Quota is consumed last among the policy checks, so a
// suppressed or blocked request costs the tenant nothing.
package admission
