package signing

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func fixedClock(t time.Time) Verifier {
	return Verifier{Now: func() time.Time { return t }}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	v := fixedClock(now)

	cases := []struct {
		name   string
		secret string
		body   string
	}{
		{"one byte secret", "k", `{"event":"task.created"}`},
		{"long secret", "a-much-longer-shared-secret-value-0123456789", `{}`},
		{"empty body", "secret", ""},
		{"binary body", "secret", "\x00\x01\xff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := Sign([]byte(tc.secret), ts, []byte(tc.body))
			if err := v.Verify([]byte(tc.secret), sig, ts, []byte(tc.body)); err != nil {
				t.Fatalf("expected valid signature, got %v", err)
			}
		})
	}
}

func TestVerify_TamperedPayloadOrSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	v := fixedClock(now)
	secret := []byte("secret")
	body := []byte(`{"event":"subtask.finalized","taskId":"t1"}`)
	sig := Sign(secret, ts, body)

	tamperedBody := append([]byte(nil), body...)
	tamperedBody[3] ^= 0x01
	if err := v.Verify(secret, sig, ts, tamperedBody); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered body: expected ErrInvalidSignature, got %v", err)
	}

	tamperedSig := []byte(sig)
	if tamperedSig[0] == 'A' {
		tamperedSig[0] = 'B'
	} else {
		tamperedSig[0] = 'A'
	}
	if err := v.Verify(secret, string(tamperedSig), ts, body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered signature: expected ErrInvalidSignature, got %v", err)
	}

	if err := v.Verify(secret, sig[:len(sig)-2], ts, body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("short signature: expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	secret := []byte("secret")
	body := []byte(`{}`)
	v := fixedClock(now)

	for _, offset := range []time.Duration{-301 * time.Second, 301 * time.Second, -time.Hour} {
		ts := strconv.FormatInt(now.Add(offset).Unix(), 10)
		sig := Sign(secret, ts, body)
		if err := v.Verify(secret, sig, ts, body); !errors.Is(err, ErrStaleTimestamp) {
			t.Errorf("offset %v: expected ErrStaleTimestamp, got %v", offset, err)
		}
	}

	ts := strconv.FormatInt(now.Add(-300*time.Second).Unix(), 10)
	if err := v.Verify(secret, Sign(secret, ts, body), ts, body); err != nil {
		t.Errorf("edge of window should verify, got %v", err)
	}
}

func TestVerify_MissingAndMalformed(t *testing.T) {
	v := fixedClock(time.Unix(1_700_000_000, 0))
	secret := []byte("secret")

	if err := v.Verify(secret, "", "1700000000", nil); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("expected ErrMissingSignature, got %v", err)
	}
	if err := v.Verify(secret, "abc", "", nil); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("expected ErrMissingSignature, got %v", err)
	}
	if err := v.Verify(secret, "abc", "yesterday", nil); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("expected ErrInvalidTimestamp, got %v", err)
	}
}

func TestDetectSource(t *testing.T) {
	partners := []Partner{
		{Name: "orchestrator", SignatureHeader: "X-Webhook-Signature", TimestampHeader: "X-Webhook-Timestamp", Secret: []byte("a")},
		{Name: "prolific", SignatureHeader: "X-Prolific-Signature", TimestampHeader: "X-Prolific-Timestamp", Secret: []byte("b")},
	}

	h := http.Header{}
	h.Set("X-Prolific-Signature", "sig")
	h.Set("X-Prolific-Timestamp", "1")
	p, err := DetectSource(h, partners)
	if err != nil || p.Name != "prolific" {
		t.Fatalf("expected prolific, got %q (%v)", p.Name, err)
	}

	half := http.Header{}
	half.Set("X-Webhook-Signature", "sig")
	if _, err := DetectSource(half, partners); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("signature without timestamp: expected ErrUnknownSource, got %v", err)
	}
	if _, err := DetectSource(http.Header{}, partners); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("no headers: expected ErrUnknownSource, got %v", err)
	}
}

func TestHeaders_VerifyRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := Partner{Name: "orchestrator", SignatureHeader: "X-Webhook-Signature", TimestampHeader: "X-Webhook-Timestamp", Secret: []byte("s3cret")}
	body := []byte(`{"event":"task.completed"}`)

	h := Headers(p, body, now)
	got, err := fixedClock(now).VerifyRequest(h, body, []Partner{p})
	if err != nil {
		t.Fatalf("expected headers to verify, got %v", err)
	}
	if got.Name != p.Name {
		t.Errorf("expected partner %q, got %q", p.Name, got.Name)
	}
}
