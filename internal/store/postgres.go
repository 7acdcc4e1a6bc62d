package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skillscan/skillscan/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("scan already claimed")
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for components that run their own
// transactions (the entitlement ledger).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateAccount inserts a new account with a zero balance.
func (s *Store) CreateAccount(ctx context.Context, email string) (*models.Account, error) {
	acc := models.Account{ID: uuid.New(), Email: email}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, email) VALUES ($1, $2) RETURNING created_at`,
		acc.ID, acc.Email,
	).Scan(&acc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var acc models.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, credits_balance, free_scan_last_used, created_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&acc.ID, &acc.Email, &acc.CreditsBalance, &acc.FreeScanLastUsed, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// CreateScanWithFindings persists a scan and its findings as one unit.
// Nothing is written if any part fails.
func (s *Store) CreateScanWithFindings(ctx context.Context, scan *models.Scan, findings []models.Finding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO scans
		   (id, owner_id, skill_name, source_kind, source_url, content_hash, trust_label,
		    findings_count, critical, high, medium, low, info, is_public, analyzers_used, duration_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 RETURNING created_at`,
		scan.ID, scan.OwnerID, scan.SkillName, scan.SourceKind, nullableString(scan.SourceURL),
		scan.ContentHash, scan.TrustLabel, scan.FindingsCount,
		scan.Summary.Critical, scan.Summary.High, scan.Summary.Medium, scan.Summary.Low, scan.Summary.Info,
		scan.IsPublic, scan.AnalyzersUsed, scan.DurationMS,
	).Scan(&scan.CreatedAt)
	if err != nil {
		return fmt.Errorf("scan insert failed: %w", err)
	}

	if len(findings) > 0 {
		rows := make([][]interface{}, 0, len(findings))
		for _, f := range findings {
			rows = append(rows, []interface{}{
				scan.ID, f.RuleID, f.Category, f.Severity, f.Title, f.Description,
				f.Remediation, f.Exploitability, f.Impact, f.FilePath, f.LineNumber,
				f.Snippet, f.Analyzer, f.Confidence,
			})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"findings"},
			[]string{"scan_id", "rule_id", "category", "severity", "title", "description",
				"remediation", "exploitability", "impact", "file_path", "line_number",
				"snippet", "analyzer", "confidence"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("findings insert failed: %w", err)
		}
	}

	return tx.Commit(ctx)
}

const scanColumns = `id, owner_id, skill_name, source_kind, COALESCE(source_url, ''), content_hash,
	trust_label, findings_count, critical, high, medium, low, info, is_public,
	analyzers_used, duration_ms, created_at`

func scanRow(row pgx.Row) (*models.Scan, error) {
	var sc models.Scan
	err := row.Scan(&sc.ID, &sc.OwnerID, &sc.SkillName, &sc.SourceKind, &sc.SourceURL,
		&sc.ContentHash, &sc.TrustLabel, &sc.FindingsCount,
		&sc.Summary.Critical, &sc.Summary.High, &sc.Summary.Medium, &sc.Summary.Low, &sc.Summary.Info,
		&sc.IsPublic, &sc.AnalyzersUsed, &sc.DurationMS, &sc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sc, nil
}

func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error) {
	return scanRow(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE id = $1`, id))
}

// FindDuplicate returns the most recent scan with the same content hash for
// the account, or nil when there is none. Duplicate scope is per account:
// the same bytes under another account are not a duplicate.
func (s *Store) FindDuplicate(ctx context.Context, ownerID uuid.UUID, contentHash string) (*models.Scan, error) {
	sc, err := scanRow(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans
		 WHERE owner_id = $1 AND content_hash = $2
		 ORDER BY created_at DESC LIMIT 1`, ownerID, contentHash))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sc, err
}

func (s *Store) ListScansByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Scan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []models.Scan
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, *sc)
	}
	return scans, rows.Err()
}

func (s *Store) GetFindings(ctx context.Context, scanID uuid.UUID) ([]models.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scan_id, rule_id, category, severity, title, description, remediation,
		        exploitability, impact, file_path, line_number, snippet, analyzer, confidence, created_at
		 FROM findings WHERE scan_id = $1 ORDER BY id`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []models.Finding
	for rows.Next() {
		var f models.Finding
		if err := rows.Scan(&f.ID, &f.ScanID, &f.RuleID, &f.Category, &f.Severity, &f.Title,
			&f.Description, &f.Remediation, &f.Exploitability, &f.Impact, &f.FilePath,
			&f.LineNumber, &f.Snippet, &f.Analyzer, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// ClaimScan transfers ownership of an unclaimed scan to the account. The
// conditional update makes the transfer one-time: a second claim sees zero
// rows affected and fails with ErrAlreadyClaimed.
func (s *Store) ClaimScan(ctx context.Context, scanID, accountID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET owner_id = $1 WHERE id = $2 AND owner_id IS NULL`,
		accountID, scanID)
	if err != nil {
		return fmt.Errorf("claim update failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM scans WHERE id = $1)`, scanID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyClaimed
}

// SetScanPublic toggles visibility. Owner-only: the WHERE clause doubles as
// the authorization check, so a non-owner gets ErrNotFound.
func (s *Store) SetScanPublic(ctx context.Context, scanID, ownerID uuid.UUID, isPublic bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET is_public = $1 WHERE id = $2 AND owner_id = $3`,
		isPublic, scanID, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScan removes an owned scan; findings go with it via ON DELETE CASCADE.
func (s *Store) DeleteScan(ctx context.Context, scanID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scans WHERE id = $1 AND owner_id = $2`, scanID, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEntries returns the account's ledger entries, newest first.
func (s *Store) ListEntries(ctx context.Context, accountID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, kind, amount, scan_id, external_ref, description, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.ScanID,
			&e.ExternalRef, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
