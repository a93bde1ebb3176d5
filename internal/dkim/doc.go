// Package dkim manages per-domain RSA signing keys and produces
// RFC 6376 DKIM-Signature headers.
//
// Keys are generated lazily on first send from a verified sending
// domain. Unverified domains are a hard gate: no key is generated and
// the send fails terminally. The signer implements relaxed/relaxed
// canonicalization with rsa-sha256 only.
package dkim
