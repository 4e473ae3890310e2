package vault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type stubReacquirer struct {
	calls int32
	delay time.Duration
	cred  Credential
	err   error
}

func (s *stubReacquirer) Reacquire(ctx context.Context, accountRef string) (Credential, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return Credential{}, s.err
	}
	return s.cred, nil
}

type stubExchanger struct {
	cred Credential
	err  error
}

func (s *stubExchanger) Exchange(ctx context.Context, assertion string) (Credential, error) {
	if s.err != nil {
		return Credential{}, s.err
	}
	return s.cred, nil
}

func newTestVault(t *testing.T, r Reacquirer, e Exchanger) *Vault {
	t.Helper()
	v, err := New("test-secret-material", r, e, Options{
		RefreshSkew:   5 * time.Minute,
		SessionTTL:    8 * time.Hour,
		SweepInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestVault_StoreAndGet(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	r := &stubReacquirer{}
	v := newTestVault(t, r, nil)

	require.NoError(t, v.Store("s1", "tok-plain", time.Now().Add(time.Hour), "ref-1"))

	got, err := v.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "tok-plain", got)
	assert.Zero(t, atomic.LoadInt32(&r.calls), "a fresh credential must be served without a refresh")
}

func TestVault_GetUnknownSession(t *testing.T) {
	v := newTestVault(t, &stubReacquirer{}, nil)
	_, err := v.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVault_CredentialIsEncryptedAtRest(t *testing.T) {
	v := newTestVault(t, &stubReacquirer{}, nil)
	require.NoError(t, v.Store("s1", "super-secret", time.Now().Add(time.Hour), "ref"))

	v.mu.RLock()
	e := v.entries["s1"]
	v.mu.RUnlock()
	assert.NotContains(t, string(e.ciphertext), "super-secret")
}

func TestVault_RefreshNearExpiry(t *testing.T) {
	r := &stubReacquirer{cred: Credential{
		Secret:     "tok-new",
		ExpiresAt:  time.Now().Add(time.Hour),
		AccountRef: "ref-new",
	}}
	v := newTestVault(t, r, nil)

	require.NoError(t, v.Store("s1", "tok-old", time.Now().Add(time.Minute), "ref-old"))

	got, err := v.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&r.calls))

	// The entry was updated in place; the next get serves without refresh.
	got, err = v.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&r.calls))
}

func TestVault_SingleFlightRefresh(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	r := &stubReacquirer{
		delay: 50 * time.Millisecond,
		cred: Credential{
			Secret:     "tok-new",
			ExpiresAt:  time.Now().Add(time.Hour),
			AccountRef: "ref-new",
		},
	}
	v := newTestVault(t, r, nil)
	require.NoError(t, v.Store("s1", "tok-old", time.Now().Add(time.Minute), "ref-old"))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	vals := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vals[i], errs[i] = v.Get(context.Background(), "s1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-new", vals[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&r.calls), "concurrent near-expiry gets must refresh once")
}

func TestVault_RefreshWithoutAccountRef(t *testing.T) {
	r := &stubReacquirer{}
	v := newTestVault(t, r, nil)
	require.NoError(t, v.Store("s1", "tok", time.Now().Add(time.Minute), ""))

	_, err := v.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Zero(t, atomic.LoadInt32(&r.calls), "must not attempt a network refresh")

	// Entry was evicted.
	_, err = v.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVault_RefreshInteractionRequiredEvicts(t *testing.T) {
	r := &stubReacquirer{err: fmt.Errorf("grant: %w", ErrReauthRequired)}
	v := newTestVault(t, r, nil)
	require.NoError(t, v.Store("s1", "tok", time.Now().Add(time.Minute), "ref"))

	_, err := v.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrReauthRequired)

	_, err = v.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVault_RefreshReturnsNoAccountRef(t *testing.T) {
	r := &stubReacquirer{cred: Credential{
		Secret:    "tok-new",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	v := newTestVault(t, r, nil)
	require.NoError(t, v.Store("s1", "tok", time.Now().Add(time.Minute), "ref"))

	_, err := v.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Zero(t, v.Len())
}

func TestVault_TransientRefreshFailureKeepsEntry(t *testing.T) {
	r := &stubReacquirer{err: fmt.Errorf("dial tcp: connection refused")}
	v := newTestVault(t, r, nil)
	require.NoError(t, v.Store("s1", "tok", time.Now().Add(time.Minute), "ref"))

	_, err := v.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Equal(t, 1, v.Len(), "transient failures must not evict the entry")
}

func TestVault_ClearIsIdempotent(t *testing.T) {
	v := newTestVault(t, &stubReacquirer{}, nil)
	require.NoError(t, v.Store("s1", "tok", time.Now().Add(time.Hour), "ref"))

	v.Clear("s1")
	v.Clear("s1")
	v.Clear("never-existed")

	_, err := v.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Empty(t, v.locks, "clear must dispose the session lock")
}

func TestVault_Sweep(t *testing.T) {
	v := newTestVault(t, &stubReacquirer{}, nil)
	require.NoError(t, v.Store("expired", "tok", time.Now().Add(-time.Minute), "ref"))
	require.NoError(t, v.Store("fresh", "tok", time.Now().Add(time.Hour), "ref"))

	v.sweep(time.Now())

	assert.Equal(t, 1, v.Len())
	_, err := v.Get(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestVault_SweepSessionTTL(t *testing.T) {
	v := newTestVault(t, &stubReacquirer{}, nil)
	require.NoError(t, v.Store("s1", "tok", time.Now().Add(24*time.Hour), "ref"))

	// Past the session TTL even though the credential itself is unexpired.
	v.sweep(time.Now().Add(9 * time.Hour))

	assert.Zero(t, v.Len())
}

func TestVault_ExchangeDelegatedAssertion(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		e := &stubExchanger{cred: Credential{Secret: "obo-tok", AccountRef: "ref"}}
		v := newTestVault(t, &stubReacquirer{}, e)

		cred, err := v.ExchangeDelegatedAssertion(context.Background(), "jwt")
		require.NoError(t, err)
		assert.Equal(t, "obo-tok", cred.Secret)
	})

	t.Run("consent required", func(t *testing.T) {
		e := &stubExchanger{err: fmt.Errorf("obo: %w", ErrConsentRequired)}
		v := newTestVault(t, &stubReacquirer{}, e)

		_, err := v.ExchangeDelegatedAssertion(context.Background(), "jwt")
		assert.ErrorIs(t, err, ErrConsentRequired)
	})

	t.Run("invalid assertion", func(t *testing.T) {
		e := &stubExchanger{err: fmt.Errorf("expired token")}
		v := newTestVault(t, &stubReacquirer{}, e)

		_, err := v.ExchangeDelegatedAssertion(context.Background(), "jwt")
		assert.ErrorIs(t, err, ErrReauthRequired)
	})

	t.Run("no exchanger configured", func(t *testing.T) {
		v := newTestVault(t, &stubReacquirer{}, nil)
		_, err := v.ExchangeDelegatedAssertion(context.Background(), "jwt")
		assert.ErrorIs(t, err, ErrReauthRequired)
	})
}

func TestVault_RequiresSecret(t *testing.T) {
	_, err := New("", &stubReacquirer{}, nil, Options{})
	assert.Error(t, err)
}

func TestVault_CloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	v, err := New("secret", &stubReacquirer{}, nil, Options{SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	v.Close()
	v.Close()
}
