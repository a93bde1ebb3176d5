// Package suppression maintains the do-not-send list and classifies
// SMTP failure responses into bounce categories.
//
// Entries are scoped per tenant; entries with a nil tenant apply
// globally. Hard bounces and policy blocks are recorded immediately,
// complaints always, soft bounces never (they only retry and age out of
// the queue). Lookup failures fail open so a degraded store slows
// sending rather than silently dropping mail.
package suppression
