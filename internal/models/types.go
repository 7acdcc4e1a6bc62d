package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind tells where the scanned bytes came from.
type SourceKind string

const (
	SourceUpload     SourceKind = "upload"
	SourceRepository SourceKind = "repository"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryPurchase EntryKind = "purchase"
	EntryFreeScan EntryKind = "free_scan"
	EntryDeduct   EntryKind = "deduction"
)

// EligibilitySource says which entitlement would pay for the next scan.
type EligibilitySource string

const (
	SourceFree   EligibilitySource = "free"
	SourceCredit EligibilitySource = "credit"
	SourceNone   EligibilitySource = "none"
)

// Account holds the cached credit balance and the free-scan stamp.
// CreditsBalance is a projection of the account's ledger entries and is
// mutated only inside ledger transactions.
type Account struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	CreditsBalance   int64      `json:"credits_balance"`
	FreeScanLastUsed *time.Time `json:"free_scan_last_used,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Scan is one completed analysis run. A nil OwnerID means the scan is
// unclaimed: it was submitted anonymously and settlement is deferred until
// an account claims it.
type Scan struct {
	ID            uuid.UUID       `json:"id"`
	OwnerID       *uuid.UUID      `json:"owner_id,omitempty"`
	SkillName     string          `json:"skill_name"`
	SourceKind    SourceKind      `json:"source_kind"`
	SourceURL     string          `json:"source_url,omitempty"`
	ContentHash   string          `json:"content_hash"`
	TrustLabel    TrustLabel      `json:"trust_label"`
	FindingsCount int             `json:"findings_count"`
	Summary       FindingsSummary `json:"findings_summary"`
	IsPublic      bool            `json:"is_public"`
	AnalyzersUsed []string        `json:"analyzers_used"`
	DurationMS    int64           `json:"scan_duration_ms"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RedactedScan is all an unauthenticated viewer may see of an unclaimed scan.
type RedactedScan struct {
	ID            uuid.UUID  `json:"id"`
	SkillName     string     `json:"skill_name"`
	TrustLabel    TrustLabel `json:"trust_label"`
	FindingsCount int        `json:"findings_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Redacted strips a scan down to the summary safe to show before auth.
func (s *Scan) Redacted() RedactedScan {
	return RedactedScan{
		ID:            s.ID,
		SkillName:     s.SkillName,
		TrustLabel:    s.TrustLabel,
		FindingsCount: s.FindingsCount,
		CreatedAt:     s.CreatedAt,
	}
}

// Finding is one issue reported by an analyzer. Immutable once stored.
type Finding struct {
	ID             int64     `json:"id"`
	ScanID         uuid.UUID `json:"scan_id"`
	RuleID         string    `json:"rule_id"`
	Category       string    `json:"category"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Remediation    string    `json:"remediation,omitempty"`
	Exploitability string    `json:"exploitability,omitempty"`
	Impact         string    `json:"impact,omitempty"`
	FilePath       string    `json:"file_path,omitempty"`
	LineNumber     *int      `json:"line_number,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	Analyzer       string    `json:"analyzer"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// LedgerEntry is one append-only transaction record for an account.
// The account's balance must always equal the sum of its entry amounts.
type LedgerEntry struct {
	ID          int64      `json:"id"`
	AccountID   uuid.UUID  `json:"account_id"`
	Kind        EntryKind  `json:"kind"`
	Amount      int64      `json:"amount"`
	ScanID      *uuid.UUID `json:"scan_id,omitempty"`
	ExternalRef *string    `json:"external_ref,omitempty"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}
