// Package service drives a submission from intake to stored, settled result.
// The orchestrator owns the workflow (duplicate check, admission gate,
// analyzer call, atomic persistence, settlement) while the heavy lifting
// lives behind the store, ledger, analyzer, and fetcher interfaces.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skillscan/skillscan/internal/fetcher"
	"github.com/skillscan/skillscan/internal/ledger"
	"github.com/skillscan/skillscan/internal/models"
	"github.com/skillscan/skillscan/internal/scanner"
)

var (
	ErrFileTooLarge = errors.New("file exceeds the upload limit")
	ErrBadExtension = errors.New("unsupported file extension")
	ErrEmptyPayload = errors.New("empty payload")
	ErrIneligible   = errors.New("account has no free scan or credits available")
)

// MaxUploadBytes is the upload size ceiling (25MB).
const MaxUploadBytes = 25 * 1024 * 1024

var allowedExtensions = map[string]bool{".zip": true, ".skill": true}

// ScanStore is the persistence the orchestrator needs.
type ScanStore interface {
	CreateScanWithFindings(ctx context.Context, scan *models.Scan, findings []models.Finding) error
	FindDuplicate(ctx context.Context, ownerID uuid.UUID, contentHash string) (*models.Scan, error)
	ClaimScan(ctx context.Context, scanID, accountID uuid.UUID) error
}

// EntitlementLedger is the admission and settlement authority.
type EntitlementLedger interface {
	CheckEligibility(ctx context.Context, accountID uuid.UUID) (ledger.Eligibility, error)
	SettleScan(ctx context.Context, accountID, scanID uuid.UUID) (*models.LedgerEntry, error)
}

// Analyzer is the opaque external analysis engine.
type Analyzer interface {
	Scan(ctx context.Context, filename string, payload []byte) (*scanner.Result, error)
}

// RepoFetcher resolves repository references to archive bytes.
type RepoFetcher interface {
	FetchArchive(ctx context.Context, repo fetcher.Repo) ([]byte, error)
}

type Orchestrator struct {
	store    ScanStore
	ledger   EntitlementLedger
	analyzer Analyzer
	fetcher  RepoFetcher
}

func NewOrchestrator(st ScanStore, lg EntitlementLedger, an Analyzer, rf RepoFetcher) *Orchestrator {
	return &Orchestrator{store: st, ledger: lg, analyzer: an, fetcher: rf}
}

// SubmitResult is what a successful (or duplicate-short-circuited)
// submission hands back.
type SubmitResult struct {
	Scan      *models.Scan
	Duplicate bool
	Message   string
	// Settled reports whether an entitlement was consumed. False for
	// anonymous submissions (settlement deferred to claim) and for the
	// skipped-settlement race.
	Settled bool
}

// SubmitUpload runs a scan over directly uploaded file bytes.
func (o *Orchestrator) SubmitUpload(ctx context.Context, viewer *uuid.UUID, filename string, payload []byte) (*SubmitResult, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxUploadBytes {
		return nil, ErrFileTooLarge
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return nil, ErrBadExtension
	}

	skillName := strings.TrimSuffix(filepath.Base(filename), ext)
	return o.submit(ctx, viewer, skillName, filename, payload, models.SourceUpload, "")
}

// SubmitRepository fetches the referenced repository and runs a scan over
// the archive. Fetcher failures terminate the submission with no side
// effects.
func (o *Orchestrator) SubmitRepository(ctx context.Context, viewer *uuid.UUID, rawURL string) (*SubmitResult, error) {
	repo, err := fetcher.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	payload, err := o.fetcher.FetchArchive(ctx, repo)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	filename := fmt.Sprintf("%s-%s.zip", repo.Owner, repo.Name)
	return o.submit(ctx, viewer, repo.SkillName(), filename, payload, models.SourceRepository, repo.DisplayURL())
}

func (o *Orchestrator) submit(ctx context.Context, viewer *uuid.UUID, skillName, filename string, payload []byte, kind models.SourceKind, sourceURL string) (*SubmitResult, error) {
	hash := sha256.Sum256(payload)
	contentHash := hex.EncodeToString(hash[:])

	if viewer != nil {
		// Duplicate short-circuit: hand back the prior scan, run nothing.
		prior, err := o.store.FindDuplicate(ctx, *viewer, contentHash)
		if err != nil {
			return nil, fmt.Errorf("duplicate lookup failed: %w", err)
		}
		if prior != nil {
			return &SubmitResult{
				Scan:      prior,
				Duplicate: true,
				Message:   fmt.Sprintf("You've already scanned this skill on %s.", prior.CreatedAt.Format("Jan 2, 2006")),
			}, nil
		}

		// Admission gate: fail fast before the analyzer burns two minutes on
		// a scan that could never be charged. The binding charge decision is
		// re-made at settlement.
		elig, err := o.ledger.CheckEligibility(ctx, *viewer)
		if err != nil {
			return nil, fmt.Errorf("eligibility check failed: %w", err)
		}
		if !elig.Eligible {
			return nil, ErrIneligible
		}
	}

	started := time.Now()
	result, err := o.analyzer.Scan(ctx, filename, payload)
	if err != nil {
		// Failed or timed-out analysis leaves nothing behind: no scan row,
		// no findings, no ledger entry.
		return nil, err
	}

	scan, findings := buildScan(result, skillName, kind, sourceURL, contentHash, started)
	scan.OwnerID = viewer

	if err := o.store.CreateScanWithFindings(ctx, scan, findings); err != nil {
		return nil, fmt.Errorf("persisting scan failed: %w", err)
	}

	res := &SubmitResult{Scan: scan}
	if viewer != nil {
		entry, err := o.ledger.SettleScan(ctx, *viewer, scan.ID)
		if err != nil {
			// The scan is stored and visible; the account stays unsettled
			// rather than risking a double charge on retry.
			slog.Error("scan settlement failed", "scan_id", scan.ID, "account_id", *viewer, "error", err)
			return res, nil
		}
		if entry == nil {
			slog.Warn("scan settlement skipped, account ineligible at settlement time",
				"scan_id", scan.ID, "account_id", *viewer)
		} else {
			res.Settled = true
		}
	}
	return res, nil
}

// Claim transfers an unclaimed scan to the account, exactly once, then runs
// the deferred settlement. This is where anonymous submissions finally
// consume an entitlement. An ineligible claimant still gets ownership; the
// charge is simply skipped.
func (o *Orchestrator) Claim(ctx context.Context, accountID, scanID uuid.UUID) (settled bool, err error) {
	if err := o.store.ClaimScan(ctx, scanID, accountID); err != nil {
		return false, err
	}

	entry, err := o.ledger.SettleScan(ctx, accountID, scanID)
	if err != nil {
		slog.Error("claim settlement failed", "scan_id", scanID, "account_id", accountID, "error", err)
		return false, nil
	}
	return entry != nil, nil
}

// buildScan maps an analyzer result into the domain model: severity counts,
// trust label, analyzer roster, and the finding rows.
func buildScan(result *scanner.Result, fallbackName string, kind models.SourceKind, sourceURL, contentHash string, started time.Time) (*models.Scan, []models.Finding) {
	var summary models.FindingsSummary
	analyzerSet := map[string]bool{}
	findings := make([]models.Finding, 0, len(result.Findings))

	for _, f := range result.Findings {
		sev := models.ParseSeverity(f.Severity)
		summary.Add(sev)
		if f.Analyzer != "" {
			analyzerSet[f.Analyzer] = true
		}
		findings = append(findings, models.Finding{
			RuleID:         orDefault(f.RuleID, "unknown"),
			Category:       orDefault(f.Category, "general"),
			Severity:       sev,
			Title:          orDefault(f.Title, "Finding"),
			Description:    f.Description,
			Remediation:    f.Remediation,
			Exploitability: f.Exploitability,
			Impact:         f.Impact,
			FilePath:       f.FilePath,
			LineNumber:     f.LineNumber,
			Snippet:        f.Snippet,
			Analyzer:       orDefault(f.Analyzer, "unknown"),
			Confidence:     f.Confidence,
		})
	}

	label := models.DeriveTrustLabel(summary)
	if result.Partial {
		// The analyzer flagged an incomplete run; severity counts alone
		// cannot vouch for the verdict.
		label = models.LabelInconclusive
	}

	analyzers := make([]string, 0, len(analyzerSet))
	for name := range analyzerSet {
		analyzers = append(analyzers, name)
	}
	sort.Strings(analyzers)

	durationMS := int64(result.ScanDurationSeconds * 1000)
	if durationMS == 0 {
		durationMS = time.Since(started).Milliseconds()
	}

	scan := &models.Scan{
		ID:            uuid.New(),
		SkillName:     orDefault(result.SkillName, fallbackName),
		SourceKind:    kind,
		SourceURL:     sourceURL,
		ContentHash:   contentHash,
		TrustLabel:    label,
		FindingsCount: len(findings),
		Summary:       summary,
		AnalyzersUsed: analyzers,
		DurationMS:    durationMS,
	}
	return scan, findings
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
