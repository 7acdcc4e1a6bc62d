// Package ledger is the single authority over scan entitlements: free-scan
// eligibility, the credit balance, and the append-only transaction log.
// Every mutation runs in one pgx transaction holding a FOR UPDATE lock on the
// account row, which serializes concurrent settlements and purchases for the
// same account. Transactions run at the default read-committed level: a
// waiter on the row lock re-reads the committed row once the lock clears,
// where repeatable read would abort it with a serialization failure (40001)
// instead. The cached credits_balance column and its ledger entry are always
// written together or not at all.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/skillscan/skillscan/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateExternalRef means the payment confirmation was already
	// processed. Callers treat it as a benign no-op.
	ErrDuplicateExternalRef = errors.New("external reference already processed")
)

// FreeScanWindow is how long an account waits between free scans.
const FreeScanWindow = 30 * 24 * time.Hour

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// Eligibility is the admission answer for one prospective scan.
type Eligibility struct {
	Eligible bool
	Source   models.EligibilitySource
}

// DB is the slice of the connection pool the ledger uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Ledger struct {
	pool DB
	now  func() time.Time
}

func New(pool DB) *Ledger {
	return &Ledger{pool: pool, now: time.Now}
}

// freeEligible reports whether the free monthly scan is available given the
// last time it was used.
func freeEligible(lastUsed *time.Time, now time.Time) bool {
	return lastUsed == nil || lastUsed.Before(now.Add(-FreeScanWindow))
}

// CheckEligibility answers "may this account run a scan now" without taking
// locks. It is an admission gate only; the binding decision is re-made under
// lock in SettleScan.
func (l *Ledger) CheckEligibility(ctx context.Context, accountID uuid.UUID) (Eligibility, error) {
	var balance int64
	var lastUsed *time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT credits_balance, free_scan_last_used FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&balance, &lastUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Eligibility{}, ErrAccountNotFound
		}
		return Eligibility{}, fmt.Errorf("eligibility query failed: %w", err)
	}

	switch {
	case freeEligible(lastUsed, l.now()):
		return Eligibility{Eligible: true, Source: models.SourceFree}, nil
	case balance > 0:
		return Eligibility{Eligible: true, Source: models.SourceCredit}, nil
	default:
		return Eligibility{Eligible: false, Source: models.SourceNone}, nil
	}
}

// SettleScan charges the account for a completed, already-stored scan:
// it stamps the free scan if available, otherwise deducts one credit.
// The eligibility decision is re-made under the row lock so two scans racing
// over the last credit cannot both consume it.
//
// Returns (nil, nil) when the account is ineligible at settlement time: the
// scan stays stored and no charge is made; a completed scan is never
// retroactively blocked.
func (l *Ledger) SettleScan(ctx context.Context, accountID, scanID uuid.UUID) (*models.LedgerEntry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	var lastUsed *time.Time
	err = tx.QueryRow(ctx,
		`SELECT credits_balance, free_scan_last_used FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance, &lastUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account lock failed: %w", err)
	}

	now := l.now()
	entry := models.LedgerEntry{AccountID: accountID, ScanID: &scanID}

	switch {
	case freeEligible(lastUsed, now):
		entry.Kind = models.EntryFreeScan
		entry.Amount = 0
		entry.Description = "Free monthly scan"
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET free_scan_last_used = $1 WHERE id = $2`, now, accountID); err != nil {
			return nil, fmt.Errorf("free scan stamp failed: %w", err)
		}
	case balance > 0:
		entry.Kind = models.EntryDeduct
		entry.Amount = -1
		entry.Description = "Scan credit deduction"
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET credits_balance = credits_balance - 1 WHERE id = $1`, accountID); err != nil {
			return nil, fmt.Errorf("balance update failed: %w", err)
		}
	default:
		// Lost the race to another settlement. Skip the charge.
		return nil, nil
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, kind, amount, scan_id, description)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		entry.AccountID, entry.Kind, entry.Amount, entry.ScanID, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger entry insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &entry, nil
}

// CreditPurchase appends a purchase entry and raises the balance, idempotent
// on externalRef: replaying the same payment confirmation credits at most
// once. A replay returns ErrDuplicateExternalRef with no mutation.
func (l *Ledger) CreditPurchase(ctx context.Context, accountID uuid.UUID, amount int64, externalRef, description string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("purchase amount must be positive, got %d", amount)
	}
	if externalRef == "" {
		return nil, fmt.Errorf("external reference is required")
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var seen bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE external_ref = $1)`, externalRef,
	).Scan(&seen)
	if err != nil {
		return nil, fmt.Errorf("replay check failed: %w", err)
	}
	if seen {
		return nil, ErrDuplicateExternalRef
	}

	// Lock the account row; also proves the account exists.
	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT credits_balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account lock failed: %w", err)
	}

	entry := models.LedgerEntry{
		AccountID:   accountID,
		Kind:        models.EntryPurchase,
		Amount:      amount,
		ExternalRef: &externalRef,
		Description: description,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, kind, amount, external_ref, description)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		entry.AccountID, entry.Kind, entry.Amount, entry.ExternalRef, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		// The partial unique index closes the race between the replay check
		// and this insert.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateExternalRef
		}
		return nil, fmt.Errorf("ledger entry insert failed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET credits_balance = credits_balance + $1 WHERE id = $2`,
		amount, accountID); err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &entry, nil
}
