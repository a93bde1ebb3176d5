package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/pkg/logger"
	"github.com/ultrazend/mailroom/internal/service/tenant"
)

// Repository is the storage contract for DKIM key rows.
type Repository interface {
	// ActiveKey returns the domain's active key, or nil when none exists.
	ActiveKey(ctx context.Context, domainName string) (*domain.DKIMKey, error)

	// LatestKey returns the domain's most recent key regardless of
	// active state, or nil when the domain has no keys.
	LatestKey(ctx context.Context, domainName string) (*domain.DKIMKey, error)

	// Reactivate marks the key active again.
	Reactivate(ctx context.Context, keyID string) error

	// DeactivateAll marks every key for the domain inactive.
	DeactivateAll(ctx context.Context, domainName string) error

	// Insert persists a freshly generated key.
	Insert(ctx context.Context, key *domain.DKIMKey) error
}

// DomainResolver looks up sending-domain verification state.
type DomainResolver interface {
	SendingDomain(ctx context.Context, name string) (*domain.SendingDomain, error)
}

// Keystore hands out signing keys, generating them lazily for verified
// domains. A per-domain mutex serializes generation so concurrent first
// sends from one domain produce a single key.
type Keystore struct {
	repo     Repository
	domains  DomainResolver
	keySize  int
	internal map[string]bool

	// Statically provisioned key for the platform's own domains, used
	// for system mail without a sending-domain record.
	internalKey *domain.DKIMKey

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeystore creates a keystore. internalDomains are the platform's
// own domains, signed with internalKey and exempt from sending-domain
// verification; internalKey may be nil when no static key is
// provisioned.
func NewKeystore(repo Repository, domains DomainResolver, keySize int, internalDomains []string, internalKey *domain.DKIMKey) *Keystore {
	internal := make(map[string]bool, len(internalDomains))
	for _, d := range internalDomains {
		internal[strings.ToLower(d)] = true
	}
	return &Keystore{
		repo:        repo,
		domains:     domains,
		keySize:     keySize,
		internal:    internal,
		internalKey: internalKey,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (ks *Keystore) domainLock(name string) *sync.Mutex {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	l, ok := ks.locks[name]
	if !ok {
		l = &sync.Mutex{}
		ks.locks[name] = l
	}
	return l
}

// GetOrGenerate returns the signing key for the domain, generating one
// on first use. Unverified domains return ErrDomainNotVerified and
// never get a key.
func (ks *Keystore) GetOrGenerate(ctx context.Context, domainName string) (*domain.DKIMKey, error) {
	domainName = strings.ToLower(domainName)

	if ks.internalKey != nil && ks.internal[domainName] {
		key := *ks.internalKey
		key.Domain = domainName
		return &key, nil
	}

	sd, err := ks.domains.SendingDomain(ctx, domainName)
	if err != nil {
		if errors.Is(err, tenant.ErrDomainNotFound) {
			return nil, ErrDomainNotVerified
		}
		return nil, fmt.Errorf("resolve sending domain: %w", err)
	}
	if !sd.Verified {
		return nil, ErrDomainNotVerified
	}

	if key, err := ks.repo.ActiveKey(ctx, domainName); err != nil {
		return nil, fmt.Errorf("lookup active key: %w", err)
	} else if key != nil {
		return key, nil
	}

	lock := ks.domainLock(domainName)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: another goroutine may have generated or
	// reactivated a key while we waited.
	if key, err := ks.repo.ActiveKey(ctx, domainName); err != nil {
		return nil, err
	} else if key != nil {
		return key, nil
	}

	if key, err := ks.repo.LatestKey(ctx, domainName); err != nil {
		return nil, fmt.Errorf("lookup inactive key: %w", err)
	} else if key != nil {
		if err := ks.repo.Reactivate(ctx, key.ID); err != nil {
			return nil, fmt.Errorf("reactivate key: %w", err)
		}
		key.Active = true
		logger.Info("reactivated dkim key", "domain", domainName, "selector", key.Selector)
		return key, nil
	}

	key, err := ks.generate(ctx, sd, domain.DKIMDefaultSelector)
	if err != nil {
		return nil, err
	}
	logger.Info("generated dkim key",
		"domain", domainName, "selector", key.Selector, "key_size", key.KeySize)
	return key, nil
}

// Rotate deactivates the domain's current keys and generates a new one
// under newSelector (or "rotate-<timestamp>" when empty). The caller
// must publish the new DNS TXT record before signing switches.
func (ks *Keystore) Rotate(ctx context.Context, domainName, newSelector string) (*domain.DKIMKey, error) {
	domainName = strings.ToLower(domainName)

	sd, err := ks.domains.SendingDomain(ctx, domainName)
	if err != nil {
		if errors.Is(err, tenant.ErrDomainNotFound) {
			return nil, ErrDomainNotVerified
		}
		return nil, err
	}
	if !sd.Verified {
		return nil, ErrDomainNotVerified
	}

	lock := ks.domainLock(domainName)
	lock.Lock()
	defer lock.Unlock()

	current, err := ks.repo.LatestKey(ctx, domainName)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoActiveKey
	}

	if err := ks.repo.DeactivateAll(ctx, domainName); err != nil {
		return nil, fmt.Errorf("deactivate keys: %w", err)
	}

	if newSelector == "" {
		newSelector = fmt.Sprintf("rotate-%d", time.Now().Unix())
	}
	key, err := ks.generate(ctx, sd, newSelector)
	if err != nil {
		return nil, err
	}
	logger.Info("rotated dkim key", "domain", domainName, "selector", newSelector)
	return key, nil
}

func (ks *Keystore) generate(ctx context.Context, sd *domain.SendingDomain, selector string) (*domain.DKIMKey, error) {
	size := ks.keySize
	if !domain.ValidDKIMKeySizes[size] {
		size = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, size)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	key := &domain.DKIMKey{
		DomainID:         sd.ID,
		Domain:           sd.Domain,
		Selector:         selector,
		PrivateKeyPEM:    string(privPEM),
		PublicKeyBase64:  base64.StdEncoding.EncodeToString(pubDER),
		Algorithm:        domain.DKIMAlgorithm,
		Canonicalization: domain.DKIMCanonicalization,
		KeySize:          size,
		Active:           true,
		CreatedAt:        time.Now(),
	}
	if err := ks.repo.Insert(ctx, key); err != nil {
		return nil, fmt.Errorf("persist dkim key: %w", err)
	}
	return key, nil
}

// ParsePrivateKey decodes a stored PEM private key.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, ErrInvalidKey
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return key, nil
}
