package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/skillscan/skillscan/internal/ledger"
	"github.com/skillscan/skillscan/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

type purchaseCall struct {
	accountID   uuid.UUID
	amount      int64
	externalRef string
	description string
}

type fakeLedger struct {
	calls []purchaseCall
	err   error
}

func (f *fakeLedger) CreditPurchase(_ context.Context, accountID uuid.UUID, amount int64, externalRef, description string) (*models.LedgerEntry, error) {
	f.calls = append(f.calls, purchaseCall{accountID, amount, externalRef, description})
	if f.err != nil {
		return nil, f.err
	}
	return &models.LedgerEntry{AccountID: accountID, Kind: models.EntryPurchase, Amount: amount}, nil
}

func sign(payload []byte, secret string, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutPayload(accountID uuid.UUID, ref string, credits int, pack string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"metadata": {"user_id": %q, "credits": "%d", "pack": %q}
		}}
	}`, ref, accountID, credits, pack))
}

func newReconciler(lg *fakeLedger, now time.Time) *Reconciler {
	r := NewReconciler(lg, testWebhookSecret)
	r.now = func() time.Time { return now }
	return r
}

func TestHandleEventCreditsPurchase(t *testing.T) {
	now := time.Now()
	lg := &fakeLedger{}
	r := newReconciler(lg, now)

	accountID := uuid.New()
	payload := checkoutPayload(accountID, "cs_123", 25, "pro")

	err := r.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret, now))
	require.NoError(t, err)

	require.Len(t, lg.calls, 1)
	call := lg.calls[0]
	assert.Equal(t, accountID, call.accountID)
	assert.Equal(t, int64(25), call.amount)
	assert.Equal(t, "cs_123", call.externalRef)
	assert.Equal(t, "Purchased Pro Pack (25 credits)", call.description)
}

func TestHandleEventNoPackKey(t *testing.T) {
	now := time.Now()
	lg := &fakeLedger{}
	r := newReconciler(lg, now)

	accountID := uuid.New()
	payload := []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_456",
			"metadata": {"user_id": %q, "credits": "7"}
		}}
	}`, accountID))

	err := r.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret, now))
	require.NoError(t, err)

	require.Len(t, lg.calls, 1)
	assert.Equal(t, "Purchased 7 credits", lg.calls[0].description)
}

func TestHandleEventValidatesPack(t *testing.T) {
	now := time.Now()

	t.Run("unknown pack rejected", func(t *testing.T) {
		lg := &fakeLedger{}
		r := newReconciler(lg, now)

		payload := checkoutPayload(uuid.New(), "cs_bad_pack", 7, "mystery")
		err := r.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret, now))
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Empty(t, lg.calls)
	})

	t.Run("pack and credits must agree", func(t *testing.T) {
		lg := &fakeLedger{}
		r := newReconciler(lg, now)

		// "pro" is 25 credits; the event claims 100.
		payload := checkoutPayload(uuid.New(), "cs_mismatch", 100, "pro")
		err := r.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret, now))
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Empty(t, lg.calls)
	})
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	now := time.Now()
	lg := &fakeLedger{}
	r := newReconciler(lg, now)

	payload := checkoutPayload(uuid.New(), "cs_789", 5, "starter")

	err := r.HandleEvent(context.Background(), payload, sign(payload, "wrong-secret", now))
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Empty(t, lg.calls, "unverifiable notifications must not mutate state")
}

func TestHandleEventRejectsStaleTimestamp(t *testing.T) {
	now := time.Now()
	lg := &fakeLedger{}
	r := newReconciler(lg, now)

	payload := checkoutPayload(uuid.New(), "cs_old", 5, "starter")
	err := r.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret, now.Add(-10*time.Minute)))
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Empty(t, lg.calls)
}

func TestHandleEventRejectsMalformed(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name    string
		payload []byte
	}{
		{"missing account", []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{"credits":"5"}}}}`)},
		{"missing credits", []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_2","metadata":{"user_id":"` + uuid.NewString() + `"}}}}`)},
		{"missing external ref", []byte(`{"type":"checkout.session.completed","data":{"object":{"metadata":{"user_id":"` + uuid.NewString() + `","credits":"5"}}}}`)},
		{"bad account id", []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_3","metadata":{"user_id":"nope","credits":"5"}}}}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lg := &fakeLedger{}
			r := newReconciler(lg, now)
			err := r.HandleEvent(context.Background(), tc.payload, sign(tc.payload, testWebhookSecret, now))
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Empty(t, lg.calls)
		})
	}
}

func TestHandleEventIgnoresOtherEventTypes(t *testing.T) {
	now := time.Now()
	lg := &fakeLedger{}
	r := newReconciler(lg, now)

	payload := []byte(`{"type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	err := r.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret, now))
	assert.NoError(t, err)
	assert.Empty(t, lg.calls)
}

func TestHandleEventPropagatesReplay(t *testing.T) {
	now := time.Now()
	lg := &fakeLedger{err: ledger.ErrDuplicateExternalRef}
	r := newReconciler(lg, now)

	payload := checkoutPayload(uuid.New(), "cs_replay", 5, "starter")
	err := r.HandleEvent(context.Background(), payload, sign(payload, testWebhookSecret, now))
	assert.ErrorIs(t, err, ledger.ErrDuplicateExternalRef)
}

func TestVerifySignatureMissingParts(t *testing.T) {
	now := time.Now()
	assert.ErrorIs(t, VerifySignature([]byte("x"), "", testWebhookSecret, now), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature([]byte("x"), "t=123", testWebhookSecret, now), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature([]byte("x"), "v1=deadbeef", testWebhookSecret, now), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature([]byte("x"), "t=notanumber,v1=deadbeef", testWebhookSecret, now), ErrBadSignature)
}
