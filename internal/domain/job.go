package domain

import "time"

// JobState enumerates the lifecycle states of a delivery job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobDelivered  JobState = "delivered"
	JobFailed     JobState = "failed"
	JobBounced    JobState = "bounced"
	JobDeferred   JobState = "deferred"
)

// IsTerminal returns true if the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	return s == JobDelivered || s == JobFailed || s == JobBounced
}

// Priority bounds for delivery jobs. Higher is dispatched first.
const (
	MinPriority = 0
	MaxPriority = 100
)

// DeliveryJob is one recipient's copy of a message in the outbound queue.
type DeliveryJob struct {
	ID         string  `json:"id" db:"id"`
	MessageID  string  `json:"message_id" db:"message_id"`
	TenantID   string  `json:"tenant_id" db:"tenant_id"`
	CampaignID *string `json:"campaign_id,omitempty" db:"campaign_id"`

	FromEmail string `json:"from_email" db:"from_email"`
	ToEmail   string `json:"to_email" db:"to_email"`
	Subject   string `json:"subject" db:"subject"`
	TextBody  string `json:"text_body" db:"text_body"`
	HTMLBody  string `json:"html_body" db:"html_body"`
	// Headers holds serialized user-supplied headers, applied verbatim
	// after the generated ones.
	Headers map[string]string `json:"headers,omitempty" db:"headers"`

	State       JobState   `json:"state" db:"state"`
	Priority    int        `json:"priority" db:"priority"`
	Attempts    int        `json:"attempts" db:"attempts"`
	LastAttempt *time.Time `json:"last_attempt,omitempty" db:"last_attempt"`
	NextAttempt *time.Time `json:"next_attempt,omitempty" db:"next_attempt"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`

	DeliveredAt          *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	DeliveryTimeMs       int64      `json:"delivery_time_ms" db:"delivery_time_ms"`
	LastError            string     `json:"last_error,omitempty" db:"last_error"`
	BounceClassification string     `json:"bounce_classification,omitempty" db:"bounce_classification"`
	RawDeliveryReport    string     `json:"-" db:"raw_delivery_report"`
}

// RecipientDomain returns the lowercased domain part of the envelope-to.
func (j *DeliveryJob) RecipientDomain() string { return EmailDomain(j.ToEmail) }

// SenderDomain returns the lowercased domain part of the envelope-from.
func (j *DeliveryJob) SenderDomain() string { return EmailDomain(j.FromEmail) }

// OutcomeClass is the single sum type every worker exit produces. No
// exception escapes a worker boundary; every attempt maps to exactly one
// of these.
type OutcomeClass string

const (
	OutcomeDelivered          OutcomeClass = "delivered"
	OutcomeRetryableTransport OutcomeClass = "retryable_transport"
	OutcomeRetryableSmtp4xx   OutcomeClass = "retryable_smtp_4xx"
	OutcomeHardBounce         OutcomeClass = "hard_bounce"
	OutcomePolicyBlock        OutcomeClass = "policy_block"
	OutcomeSoftBounce         OutcomeClass = "soft_bounce"
	OutcomeCancelled          OutcomeClass = "cancelled"
)

// Retryable reports whether the outcome schedules another attempt
// (subject to the retry cap).
func (o OutcomeClass) Retryable() bool {
	return o == OutcomeRetryableTransport || o == OutcomeRetryableSmtp4xx || o == OutcomeSoftBounce
}

// DeliveryOutcome is the classified result of a single delivery attempt.
type DeliveryOutcome struct {
	Class          OutcomeClass `json:"class"`
	MXServer       string       `json:"mx_server,omitempty"`
	DeliveryTimeMs int64        `json:"delivery_time_ms"`
	SMTPResponse   string       `json:"smtp_response,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

// DeliveryAttempt is the append-only record of one attempt. Feeds
// reputation recomputation.
type DeliveryAttempt struct {
	ID             string    `json:"id" db:"id"`
	JobID          string    `json:"job_id" db:"job_id"`
	Status         string    `json:"status" db:"status"`
	DeliveryTimeMs int64     `json:"delivery_time_ms" db:"delivery_time_ms"`
	MXServer       string    `json:"mx_server" db:"mx_server"`
	FailureReason  string    `json:"failure_reason,omitempty" db:"failure_reason"`
	AttemptedAt    time.Time `json:"attempted_at" db:"attempted_at"`
}
