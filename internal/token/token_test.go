package token

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/docstore/boltdoc"
	"github.com/morrigan-server/morrigan/internal/errkind"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func testCollection(t *testing.T) docstore.Collection {
	t.Helper()
	store, err := boltdoc.Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })
	return store.Collection("authTokens")
}

func testService(t *testing.T, clk *fakeClock) *Service {
	t.Helper()
	svc, err := New(Config{
		Issuer:  "morrigan.auth",
		Records: testCollection(t),
		TTL:     30 * time.Minute,
		Now:     clk.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	svc := testService(t, clk)

	issued, err := svc.Issue(ctx, "adm-1", IssueOptions{Context: map[string]any{"name": "admin"}})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.Token == "" || issued.RecordID == "" {
		t.Fatalf("incomplete issuance: %+v", issued)
	}
	if want := clk.Now().Add(30 * time.Minute); !issued.Expires.Equal(want) {
		t.Errorf("Expires = %s, want %s", issued.Expires, want)
	}

	verified, err := svc.Verify(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.Subject != "adm-1" {
		t.Errorf("Subject = %q, want adm-1", verified.Subject)
	}
	if verified.RecordID != issued.RecordID {
		t.Errorf("RecordID = %q, want %q", verified.RecordID, issued.RecordID)
	}
	if verified.Context["name"] != "admin" {
		t.Errorf("Context = %v", verified.Context)
	}
}

func TestReissueRevokesPrevious(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, newClock())

	first, err := svc.Issue(ctx, "c1", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Issue(ctx, "c1", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Verify(ctx, first.Token); errkind.KindOf(err) != errkind.NoRecord {
		t.Errorf("first token kind = %q, want %q", errkind.KindOf(err), errkind.NoRecord)
	}
	if _, err := svc.Verify(ctx, second.Token); err != nil {
		t.Errorf("second token should verify, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	svc := testService(t, clk)

	issued, err := svc.Issue(ctx, "adm-1", IssueOptions{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Minute)
	_, err = svc.Verify(ctx, issued.Token)
	if errkind.KindOf(err) != errkind.InvalidToken {
		t.Errorf("kind = %q, want %q (err: %v)", errkind.KindOf(err), errkind.InvalidToken, err)
	}
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	records := testCollection(t)

	issuerA, err := New(Config{Issuer: "morrigan.auth", Records: records, TTL: time.Hour, Now: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	issuerB, err := New(Config{Issuer: "morrigan.clients", Records: records, TTL: time.Hour, Now: clk.Now})
	if err != nil {
		t.Fatal(err)
	}

	issued, err := issuerA.Issue(ctx, "x", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuerB.Verify(ctx, issued.Token); errkind.KindOf(err) != errkind.InvalidToken {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.InvalidToken)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, newClock())

	issued, err := svc.Issue(ctx, "adm-1", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(issued.Token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	// Claims swapped for someone else's, signature untouched.
	forged := parts[0] + "." + parts[1][:len(parts[1])-2] + "xx" + "." + parts[2]

	if _, err := svc.Verify(ctx, forged); err == nil {
		t.Error("forged token verified")
	}
}

func TestVerifyIncompleteRecord(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	records := testCollection(t)
	svc, err := New(Config{Issuer: "morrigan.auth", Records: records, TTL: time.Hour, Now: clk.Now})
	if err != nil {
		t.Fatal(err)
	}

	issued, err := svc.Issue(ctx, "adm-1", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Strip the stored public key; the record is now unusable.
	if _, err := records.ReplaceOne(ctx, docstore.Filter{"id": issued.RecordID}, map[string]any{
		"id":      issued.RecordID,
		"subject": "adm-1",
	}, false); err != nil {
		t.Fatal(err)
	}

	_, err = svc.Verify(ctx, issued.Token)
	if errkind.KindOf(err) != errkind.InvalidRecord {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.InvalidRecord)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, newClock())

	issued, err := svc.Issue(ctx, "adm-1", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	n, err := svc.Revoke(ctx, "adm-1")
	if err != nil || n != 1 {
		t.Fatalf("Revoke = %d, %v", n, err)
	}

	if _, err := svc.Verify(ctx, issued.Token); errkind.KindOf(err) != errkind.NoRecord {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.NoRecord)
	}

	n, err = svc.Revoke(ctx, "adm-1")
	if err != nil || n != 0 {
		t.Errorf("second Revoke = %d, %v", n, err)
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	svc := testService(t, clk)

	if _, err := svc.Issue(ctx, "old", IssueOptions{TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Issue(ctx, "fresh", IssueOptions{TTL: 48 * time.Hour}); err != nil {
		t.Fatal(err)
	}

	// Not yet past expiry+grace: nothing purged.
	clk.Advance(30 * time.Minute)
	n, err := svc.PurgeExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early purge = %d, %v", n, err)
	}

	clk.Advance(time.Hour)
	n, err = svc.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}

	fresh, err := svc.Issue(ctx, "fresh2", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, fresh.Token); err != nil {
		t.Errorf("fresh token should still verify: %v", err)
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	svc := testService(t, newClock())
	_, err := svc.Issue(context.Background(), "", IssueOptions{})
	if errkind.KindOf(err) != errkind.Request {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.Request)
	}
}

func TestRotationKeepsOldTokensValid(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	svc, err := New(Config{
		Issuer:   "morrigan.auth",
		Records:  testCollection(t),
		TTL:      time.Hour,
		Rotation: time.Hour,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Dispose)

	before, err := svc.Issue(ctx, "adm-1", IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Rotate(); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Verify(ctx, before.Token); err != nil {
		t.Errorf("pre-rotation token should verify through its record: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	records := testCollection(t)
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no issuer", Config{Records: records, TTL: time.Hour}},
		{"no records", Config{Issuer: "x", TTL: time.Hour}},
		{"no ttl", Config{Issuer: "x", Records: records}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	wrapped := Wrap("client-1", "a.b.c")

	subject, signed, err := Unwrap(wrapped)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if subject != "client-1" {
		t.Errorf("subject = %q", subject)
	}
	if signed != "a.b.c" {
		t.Errorf("signed = %q", signed)
	}
}

func TestUnwrapMalformed(t *testing.T) {
	cases := []string{"", "noDotHere", ".leading", "trailing.", "!!!.a.b.c"}
	for _, in := range cases {
		if _, _, err := Unwrap(in); errkind.KindOf(err) != errkind.InvalidToken {
			t.Errorf("Unwrap(%q) kind = %q, want %q", in, errkind.KindOf(err), errkind.InvalidToken)
		}
	}
}
