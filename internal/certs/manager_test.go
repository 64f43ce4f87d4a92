package certs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/faults"
)

// fakeIssuer hands back canned material or a canned error.
type fakeIssuer struct {
	issued Issued
	err    error
	calls  int
}

func (f *fakeIssuer) Issue(ctx context.Context, domain string) (Issued, error) {
	f.calls++
	if f.err != nil {
		return Issued{}, f.err
	}
	return f.issued, nil
}

func issuedFixture(now time.Time) Issued {
	return Issued{
		CertPEM:   []byte("cert"),
		KeyPEM:    []byte("key"),
		IssuedAt:  now,
		ExpiresAt: now.AddDate(0, 0, 90),
	}
}

func TestObtainFirstCertificate(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fi := &fakeIssuer{issued: issuedFixture(now)}
	m := NewManager(t.TempDir(), fi)
	m.now = func() time.Time { return now }

	rec, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, fi.calls)
	assert.Equal(t, "example.com", rec.Domain)

	// Material landed on disk owner-only.
	info, err := os.Stat(rec.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRenewalOutsideWindowIsNoop(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fi := &fakeIssuer{issued: issuedFixture(now)}
	m := NewManager(t.TempDir(), fi)
	m.now = func() time.Time { return now }

	first, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.NoError(t, err)

	// 30 days in: 60 of 90 days remain, outside the trailing third.
	m.now = func() time.Time { return now.AddDate(0, 0, 30) }
	second, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, fi.calls, "no-op renewal must not contact the issuer")
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
}

func TestRenewalInsideWindowReissues(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fi := &fakeIssuer{issued: issuedFixture(now)}
	m := NewManager(t.TempDir(), fi)
	m.now = func() time.Time { return now }

	_, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.NoError(t, err)

	// 85 days in: 5 of 90 remain, well inside the trailing third.
	later := now.AddDate(0, 0, 85)
	fi.issued = issuedFixture(later)
	m.now = func() time.Time { return later }

	rec, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, fi.calls)
	assert.Equal(t, later.AddDate(0, 0, 90), rec.ExpiresAt)
}

func TestRenewalFailureRetainsPreviousRecord(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fi := &fakeIssuer{issued: issuedFixture(now)}
	m := NewManager(t.TempDir(), fi)
	m.now = func() time.Time { return now }

	first, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.NoError(t, err)

	fi.err = errors.New("acme unavailable")
	m.now = func() time.Time { return now.AddDate(0, 0, 85) }

	rec, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.Error(t, err)
	var re *faults.RenewalError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "example.com", re.Domain)
	// The previous record keeps serving.
	assert.Equal(t, first.ExpiresAt, rec.ExpiresAt)
}

func TestOnRenewHookFires(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fi := &fakeIssuer{issued: issuedFixture(now)}
	m := NewManager(t.TempDir(), fi)
	m.now = func() time.Time { return now }

	var hooked []string
	m.OnRenew(func(ctx context.Context, domain string) error {
		hooked = append(hooked, domain)
		return nil
	})

	_, err := m.ObtainOrRenew(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, hooked)
}

func TestRecordRenewalWindow(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Record{IssuedAt: issued, ExpiresAt: issued.AddDate(0, 0, 90)}

	assert.False(t, r.InRenewalWindow(issued.AddDate(0, 0, 30)), "60 days remaining")
	assert.True(t, r.InRenewalWindow(issued.AddDate(0, 0, 85)), "5 days remaining")
	assert.False(t, r.Expired(issued.AddDate(0, 0, 85)))
	assert.True(t, r.Expired(issued.AddDate(0, 0, 91)))
}
