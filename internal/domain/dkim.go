package domain

import "time"

// DKIM key algorithm and canonicalization constants. The signer only
// emits rsa-sha256 over relaxed/relaxed.
const (
	DKIMAlgorithm        = "rsa-sha256"
	DKIMCanonicalization = "relaxed/relaxed"
	DKIMDefaultSelector  = "default"
)

// ValidDKIMKeySizes are the accepted RSA modulus sizes in bits.
var ValidDKIMKeySizes = map[int]bool{1024: true, 2048: true, 4096: true}

// DKIMKey is a per-domain RSA signing key. Unique on (DomainID, Selector).
// Created only when the corresponding Domain record is marked verified.
type DKIMKey struct {
	ID               string    `json:"id" db:"id"`
	DomainID         string    `json:"domain_id" db:"domain_id"`
	Domain           string    `json:"domain" db:"domain"`
	Selector         string    `json:"selector" db:"selector"`
	PrivateKeyPEM    string    `json:"-" db:"private_key"`
	PublicKeyBase64  string    `json:"public_key" db:"public_key"`
	Algorithm        string    `json:"algorithm" db:"algorithm"`
	Canonicalization string    `json:"canonicalization" db:"canonicalization"`
	KeySize          int       `json:"key_size" db:"key_size"`
	Active           bool      `json:"active" db:"active"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// DNSRecordName returns the owner name of the key's DNS TXT record.
func (k *DKIMKey) DNSRecordName() string {
	return k.Selector + "._domainkey." + k.Domain
}

// DNSRecordValue returns the TXT record payload the domain owner must
// publish before this key may sign.
func (k *DKIMKey) DNSRecordValue() string {
	return "v=DKIM1; k=rsa; t=s; s=email; p=" + k.PublicKeyBase64
}

// SendingDomain is a tenant-registered sender domain with its DNS
// verification state. DKIM keys are generated only for verified domains.
type SendingDomain struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Domain    string    `json:"domain" db:"domain"`
	Verified  bool      `json:"verified" db:"verified"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
