// Package reputation tracks per-recipient-domain and per-MX delivery
// statistics and gates sending on them.
//
// The score for a domain is the success ratio over its recorded
// attempts, scaled to [0,100], minus a penalty while a failure is
// recent. Scores bucket into tiers; the blocked tier denies new sends
// to the domain until its numbers recover. Domains never seen before
// are allowed at full score so a cold start cannot block mail.
package reputation
