// Package payments consumes asynchronous payment-completion notifications
// and credits the entitlement ledger. Notifications are HMAC-signed by the
// payment processor; anything that fails verification or is missing required
// fields is rejected before any state changes. Crediting itself is delegated
// to the ledger, which is idempotent on the notification's external
// reference, so replays never double-credit.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skillscan/skillscan/internal/models"
	"github.com/tidwall/gjson"
)

var (
	ErrBadSignature = errors.New("invalid notification signature")
	ErrMalformed    = errors.New("malformed notification")
	// ErrReplayed means the notification was already processed. Benign.
	ErrReplayed = errors.New("notification already processed")
)

// signatureTolerance bounds how stale a signed timestamp may be.
const signatureTolerance = 5 * time.Minute

// eventCheckoutCompleted is the only event kind that credits an account.
const eventCheckoutCompleted = "checkout.session.completed"

// Pack is a purchasable credit bundle.
type Pack struct {
	Credits    int64
	PriceCents int64
	Name       string
}

// Packs is the credit pack catalog.
var Packs = map[string]Pack{
	"single":  {Credits: 1, PriceCents: 200, Name: "Single Scan"},
	"starter": {Credits: 5, PriceCents: 500, Name: "Starter Pack"},
	"pro":     {Credits: 25, PriceCents: 1500, Name: "Pro Pack"},
	"team":    {Credits: 100, PriceCents: 4000, Name: "Team Pack"},
}

// CreditLedger is the slice of the entitlement ledger the reconciler needs.
type CreditLedger interface {
	CreditPurchase(ctx context.Context, accountID uuid.UUID, amount int64, externalRef, description string) (*models.LedgerEntry, error)
}

type Reconciler struct {
	ledger CreditLedger
	secret string
	now    func() time.Time
}

func NewReconciler(ledger CreditLedger, webhookSecret string) *Reconciler {
	return &Reconciler{ledger: ledger, secret: webhookSecret, now: time.Now}
}

// VerifySignature checks a "t=<unix>,v1=<hex>" signature header against the
// payload, where v1 = HMAC-SHA256(secret, "<t>.<payload>"). The timestamp
// must be within tolerance to blunt replay of captured requests.
func VerifySignature(payload []byte, header, secret string, now time.Time) error {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return ErrBadSignature
	}

	epoch, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := now.Sub(time.Unix(epoch, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// HandleEvent verifies and processes one notification. Events other than
// checkout completion are acknowledged without effect. Replays surface the
// ledger's idempotency error, which callers report as a benign no-op.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, sigHeader string) error {
	if err := VerifySignature(payload, sigHeader, r.secret, r.now()); err != nil {
		return err
	}

	event := gjson.ParseBytes(payload)
	if event.Get("type").String() != eventCheckoutCompleted {
		return nil
	}

	session := event.Get("data.object")
	externalRef := session.Get("id").String()
	accountRaw := session.Get("metadata.user_id").String()
	credits := session.Get("metadata.credits").Int()
	packKey := session.Get("metadata.pack").String()

	if externalRef == "" || accountRaw == "" || credits <= 0 {
		return fmt.Errorf("%w: missing external ref, account, or credit amount", ErrMalformed)
	}
	accountID, err := uuid.Parse(accountRaw)
	if err != nil {
		return fmt.Errorf("%w: bad account id", ErrMalformed)
	}

	description := fmt.Sprintf("Purchased %d credits", credits)
	if packKey != "" {
		pack, ok := Packs[packKey]
		if !ok {
			return fmt.Errorf("%w: unknown credit pack %q", ErrMalformed, packKey)
		}
		if pack.Credits != credits {
			return fmt.Errorf("%w: pack %q is %d credits, event claims %d", ErrMalformed, packKey, pack.Credits, credits)
		}
		description = fmt.Sprintf("Purchased %s (%d credits)", pack.Name, credits)
	}

	if _, err := r.ledger.CreditPurchase(ctx, accountID, credits, externalRef, description); err != nil {
		return err
	}
	return nil
}
