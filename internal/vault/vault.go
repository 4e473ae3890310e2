// Package vault holds one delegated credential per session, encrypted in
// memory, and serves it out fresh. A credential near expiry is refreshed
// exactly once even under concurrent callers.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"concierge/internal/logging"
)

// Sentinel errors surfaced to the orchestrator's auth decision.
var (
	// ErrNotFound means no credential is cached for the session.
	ErrNotFound = errors.New("vault: session not found")
	// ErrReauthRequired means the credential cannot be served or refreshed
	// silently; the user must sign in again.
	ErrReauthRequired = errors.New("vault: reauthentication required")
	// ErrConsentRequired means an assertion exchange was rejected for
	// missing consent grants.
	ErrConsentRequired = errors.New("vault: consent required")
)

// Credential is a decrypted delegated credential as produced by the
// acquisition capabilities.
type Credential struct {
	Secret     string
	ExpiresAt  time.Time
	AccountRef string
}

// Reacquirer silently refreshes a credential from its account reference.
// Implementations report ErrReauthRequired when silent acquisition is
// impossible.
type Reacquirer interface {
	Reacquire(ctx context.Context, accountRef string) (Credential, error)
}

// Exchanger trades a channel-supplied assertion for a delegated credential.
// Implementations report ErrConsentRequired or ErrReauthRequired.
type Exchanger interface {
	Exchange(ctx context.Context, assertion string) (Credential, error)
}

// Key derivation parameters. The fixed salt is acceptable here: the derived
// key only guards against casual inspection of process memory, and the
// secret it stretches is already high-entropy configuration.
const (
	kdfIterations = 600_000
	kdfKeyLen     = 32
)

var kdfSalt = []byte("concierge-vault-v1")

// Options tune vault timing. Zero values take the defaults.
type Options struct {
	RefreshSkew   time.Duration // Default 5m
	SessionTTL    time.Duration // Default 8h
	SweepInterval time.Duration // Default 15m
}

type entry struct {
	ciphertext []byte
	nonce      []byte
	expiresAt  time.Time
	createdAt  time.Time
	accountRef string
}

// Vault is safe for concurrent use. Close releases the sweep goroutine.
type Vault struct {
	aead      cipher.AEAD
	reacquire Reacquirer
	exchange  Exchanger
	opts      Options
	log       *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	locks   map[string]*sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New derives the encryption key from secret, starts the background sweep,
// and returns a ready vault. The caller must Close it.
func New(secret string, reacquirer Reacquirer, exchanger Exchanger, opts Options) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault secret is required")
	}
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = 5 * time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 8 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Minute
	}

	key := pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, kdfKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	v := &Vault{
		aead:      aead,
		reacquire: reacquirer,
		exchange:  exchanger,
		opts:      opts,
		log:       logging.Get(logging.CategoryVault),
		entries:   make(map[string]*entry),
		locks:     make(map[string]*sync.Mutex),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go v.sweepLoop()
	return v, nil
}

// Close stops the background sweep and waits for it to exit.
func (v *Vault) Close() {
	select {
	case <-v.stopCh:
		return
	default:
	}
	close(v.stopCh)
	<-v.doneCh
}

// Store encrypts the credential under a fresh nonce and replaces any
// existing entry for the session.
func (v *Vault) Store(sessionID, rawCredential string, expiresAt time.Time, accountRef string) error {
	ciphertext, nonce, err := v.seal(rawCredential)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.entries[sessionID] = &entry{
		ciphertext: ciphertext,
		nonce:      nonce,
		expiresAt:  expiresAt,
		createdAt:  time.Now(),
		accountRef: accountRef,
	}
	v.mu.Unlock()

	v.log.Debug("stored credential for session %s (expires %s)", sessionID, expiresAt.Format(time.RFC3339))
	return nil
}

// Get returns the decrypted credential for the session, refreshing it first
// when it is within the refresh skew of expiry. Concurrent callers racing on
// the same near-expiry entry perform a single refresh.
func (v *Vault) Get(ctx context.Context, sessionID string) (string, error) {
	e, ok := v.snapshot(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	if time.Until(e.expiresAt) >= v.opts.RefreshSkew {
		return v.open(e)
	}
	return v.refresh(ctx, sessionID)
}

// snapshot copies the entry under the read lock so the caller can inspect
// it without racing an in-place refresh.
func (v *Vault) snapshot(sessionID string) (entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[sessionID]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

func (v *Vault) refresh(ctx context.Context, sessionID string) (string, error) {
	lock := v.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// Double-check under the lock: a racing caller may have refreshed
	// already, or cleared the session.
	e, ok := v.snapshot(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if time.Until(e.expiresAt) >= v.opts.RefreshSkew {
		return v.open(e)
	}

	if e.accountRef == "" {
		v.evict(sessionID)
		return "", fmt.Errorf("%w: no account reference for silent refresh", ErrReauthRequired)
	}

	// A refresh in flight must not be cancelled by the request deadline;
	// aborting mid-grant would strand the shared entry near expiry.
	cred, err := v.reacquire.Reacquire(context.WithoutCancel(ctx), e.accountRef)
	if err != nil {
		if errors.Is(err, ErrReauthRequired) {
			v.evict(sessionID)
			return "", fmt.Errorf("silent refresh for session %s: %w", sessionID, err)
		}
		return "", fmt.Errorf("%w: refresh failed: %v", ErrReauthRequired, err)
	}
	if cred.AccountRef == "" {
		// Without a new account reference the next refresh is already
		// doomed, so require a clean sign-in now.
		v.evict(sessionID)
		return "", fmt.Errorf("%w: refresh returned no account reference", ErrReauthRequired)
	}

	ciphertext, nonce, err := v.seal(cred.Secret)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	if cur, ok := v.entries[sessionID]; ok {
		cur.ciphertext = ciphertext
		cur.nonce = nonce
		cur.expiresAt = cred.ExpiresAt
		cur.accountRef = cred.AccountRef
		// createdAt is preserved: the session TTL counts from first store.
	}
	v.mu.Unlock()

	v.log.Info("refreshed credential for session %s", sessionID)
	return cred.Secret, nil
}

// Clear removes the session's entry and disposes its refresh lock.
// Clearing an unknown session is a no-op.
func (v *Vault) Clear(sessionID string) {
	v.evict(sessionID)
}

// ExchangeDelegatedAssertion trades a channel-provided assertion for a
// credential. The result is not cached; callers that want caching follow up
// with Store.
func (v *Vault) ExchangeDelegatedAssertion(ctx context.Context, assertion string) (Credential, error) {
	if v.exchange == nil {
		return Credential{}, fmt.Errorf("%w: no assertion exchanger configured", ErrReauthRequired)
	}
	cred, err := v.exchange.Exchange(ctx, assertion)
	if err != nil {
		if errors.Is(err, ErrConsentRequired) || errors.Is(err, ErrReauthRequired) {
			return Credential{}, err
		}
		return Credential{}, fmt.Errorf("%w: assertion exchange failed: %v", ErrReauthRequired, err)
	}
	return cred, nil
}

// Len reports the number of cached sessions.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

func (v *Vault) sessionLock(sessionID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		v.locks[sessionID] = lock
	}
	return lock
}

func (v *Vault) evict(sessionID string) {
	v.mu.Lock()
	delete(v.entries, sessionID)
	delete(v.locks, sessionID)
	v.mu.Unlock()
}

func (v *Vault) seal(plaintext string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, []byte(plaintext), nil), nonce, nil
}

func (v *Vault) open(e entry) (string, error) {
	plaintext, err := v.aead.Open(nil, e.nonce, e.ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

func (v *Vault) sweepLoop() {
	defer close(v.doneCh)

	ticker := time.NewTicker(v.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			v.sweep(time.Now())
		}
	}
}

// sweep removes entries past expiry or past the session TTL.
func (v *Vault) sweep(now time.Time) {
	v.mu.Lock()
	removed := 0
	for id, e := range v.entries {
		if now.After(e.expiresAt) || now.After(e.createdAt.Add(v.opts.SessionTTL)) {
			delete(v.entries, id)
			delete(v.locks, id)
			removed++
		}
	}
	v.mu.Unlock()

	if removed > 0 {
		v.log.Debug("sweep removed %d expired sessions", removed)
	}
}
