package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherpay.dev/cipherpay-core/pkg/store"
)

type fakeStore struct {
	deliveries map[string]*store.WebhookDelivery
	url        string
	secret     string
}

func (f *fakeStore) DueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]store.WebhookDelivery, error) {
	var out []store.WebhookDelivery
	for _, d := range f.deliveries {
		if d.Status != store.WebhookPending {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) WebhookTarget(ctx context.Context, invoiceID string) (string, string, error) {
	return f.url, f.secret, nil
}

func (f *fakeStore) MarkWebhookDelivered(ctx context.Context, id string, at time.Time) error {
	f.deliveries[id].Status = store.WebhookDelivered
	f.deliveries[id].Attempts++
	return nil
}

func (f *fakeStore) RescheduleWebhook(ctx context.Context, id string, at, nextRetry time.Time, terminal bool) error {
	d := f.deliveries[id]
	d.Attempts++
	d.NextRetryAt = &nextRetry
	if terminal {
		d.Status = store.WebhookFailed
	}
	return nil
}

// TestSignatureVerifiable exercises S1's "enqueued with correct HMAC"
// requirement end to end against a real HTTP test server.
func TestSignatureVerifiable(t *testing.T) {
	const secret = "merchant-secret"
	var gotTimestamp, gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimestamp = r.Header.Get(timestampHeader)
		gotSig = r.Header.Get(signatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := &fakeStore{
		deliveries: map[string]*store.WebhookDelivery{
			"d1": {ID: "d1", InvoiceID: "inv-1", Payload: []byte(`{"event":"invoice.detected"}`), Status: store.WebhookPending},
		},
		url:    srv.URL,
		secret: secret,
	}

	d := New(fs, nil, time.Hour)
	d.attempt(context.Background(), *fs.deliveries["d1"])

	assert.Equal(t, store.WebhookDelivered, fs.deliveries["d1"].Status)
	require.NotEmpty(t, gotTimestamp)
	require.NotEmpty(t, gotSig)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTimestamp))
	mac.Write([]byte("."))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestRescheduleOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := &fakeStore{
		deliveries: map[string]*store.WebhookDelivery{
			"d1": {ID: "d1", InvoiceID: "inv-1", Payload: []byte(`{}`), Status: store.WebhookPending, Attempts: 0},
		},
		url: srv.URL, secret: "s",
	}

	d := New(fs, nil, time.Hour)
	d.attempt(context.Background(), *fs.deliveries["d1"])

	assert.Equal(t, store.WebhookPending, fs.deliveries["d1"].Status)
	require.NotNil(t, fs.deliveries["d1"].NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(1*time.Minute), *fs.deliveries["d1"].NextRetryAt, 5*time.Second)
}

func TestTerminalFailAfterSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := &fakeStore{
		deliveries: map[string]*store.WebhookDelivery{
			"d1": {ID: "d1", InvoiceID: "inv-1", Payload: []byte(`{}`), Status: store.WebhookPending, Attempts: len(backoffSchedule)},
		},
		url: srv.URL, secret: "s",
	}

	d := New(fs, nil, time.Hour)
	d.attempt(context.Background(), *fs.deliveries["d1"])

	assert.Equal(t, store.WebhookFailed, fs.deliveries["d1"].Status)
}

func TestVerifyRoundTrip(t *testing.T) {
	ts := time.Now().UTC().Format(time.RFC3339)
	body := []byte(`{"event":"invoice.confirmed"}`)
	sig := sign("shared-secret", ts, body)
	assert.True(t, Verify("shared-secret", ts, body, sig))
	assert.False(t, Verify("wrong-secret", ts, body, sig))
}
