package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillscan/skillscan/internal/fetcher"
	"github.com/skillscan/skillscan/internal/ledger"
	"github.com/skillscan/skillscan/internal/models"
	"github.com/skillscan/skillscan/internal/scanner"
	"github.com/skillscan/skillscan/internal/store"
)

type fakeStore struct {
	duplicate *models.Scan
	dupErr    error
	createErr error
	claimErr  error

	created       *models.Scan
	createdFinds  []models.Finding
	dupLookups    int
	claimedScanID uuid.UUID
	claimedBy     uuid.UUID
}

func (f *fakeStore) CreateScanWithFindings(ctx context.Context, scan *models.Scan, findings []models.Finding) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = scan
	f.createdFinds = findings
	return nil
}

func (f *fakeStore) FindDuplicate(ctx context.Context, ownerID uuid.UUID, contentHash string) (*models.Scan, error) {
	f.dupLookups++
	return f.duplicate, f.dupErr
}

func (f *fakeStore) ClaimScan(ctx context.Context, scanID, accountID uuid.UUID) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimedScanID = scanID
	f.claimedBy = accountID
	return nil
}

type fakeLedger struct {
	eligibility ledger.Eligibility
	eligErr     error
	settleEntry *models.LedgerEntry
	settleErr   error

	eligChecks    int
	settledScanID uuid.UUID
	settledAcct   uuid.UUID
	settleCalls   int
}

func (f *fakeLedger) CheckEligibility(ctx context.Context, accountID uuid.UUID) (ledger.Eligibility, error) {
	f.eligChecks++
	return f.eligibility, f.eligErr
}

func (f *fakeLedger) SettleScan(ctx context.Context, accountID, scanID uuid.UUID) (*models.LedgerEntry, error) {
	f.settleCalls++
	f.settledAcct = accountID
	f.settledScanID = scanID
	return f.settleEntry, f.settleErr
}

type fakeAnalyzer struct {
	result *scanner.Result
	err    error
	calls  int
}

func (f *fakeAnalyzer) Scan(ctx context.Context, filename string, payload []byte) (*scanner.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeFetcher struct {
	payload []byte
	err     error
}

func (f *fakeFetcher) FetchArchive(ctx context.Context, repo fetcher.Repo) ([]byte, error) {
	return f.payload, f.err
}

func eligible() ledger.Eligibility {
	return ledger.Eligibility{Eligible: true, Source: models.SourceFree}
}

func cleanResult() *scanner.Result {
	return &scanner.Result{
		SkillName:           "weather-helper",
		MaxSeverity:         "none",
		ScanDurationSeconds: 1.2,
	}
}

func newFixture(an *fakeAnalyzer) (*Orchestrator, *fakeStore, *fakeLedger) {
	st := &fakeStore{}
	lg := &fakeLedger{eligibility: eligible(), settleEntry: &models.LedgerEntry{ID: 1}}
	return NewOrchestrator(st, lg, an, &fakeFetcher{}), st, lg
}

func TestSubmitUploadValidation(t *testing.T) {
	an := &fakeAnalyzer{result: cleanResult()}
	orch, _, _ := newFixture(an)

	tests := []struct {
		name     string
		filename string
		payload  []byte
		wantErr  error
	}{
		{"empty payload", "skill.zip", nil, ErrEmptyPayload},
		{"oversized", "skill.zip", make([]byte, MaxUploadBytes+1), ErrFileTooLarge},
		{"bad extension", "skill.tar.gz", []byte("x"), ErrBadExtension},
		{"no extension", "skill", []byte("x"), ErrBadExtension},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.SubmitUpload(context.Background(), nil, tc.filename, tc.payload)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
	assert.Zero(t, an.calls, "rejected uploads must never reach the analyzer")
}

func TestSubmitUploadAuthenticatedSuccess(t *testing.T) {
	viewer := uuid.New()
	an := &fakeAnalyzer{result: &scanner.Result{
		SkillName: "weather-helper",
		Findings: []scanner.Finding{
			{RuleID: "EXF-001", Severity: "high", Title: "Exfiltration", Analyzer: "static"},
			{RuleID: "OBF-002", Severity: "medium", Title: "Obfuscation", Analyzer: "llm"},
		},
		ScanDurationSeconds: 2.5,
	}}
	orch, st, lg := newFixture(an)

	payload := []byte("skill contents")
	res, err := orch.SubmitUpload(context.Background(), &viewer, "weather-helper.skill", payload)
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.True(t, res.Settled)

	require.NotNil(t, st.created)
	hash := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(hash[:]), st.created.ContentHash)
	assert.Equal(t, models.SourceUpload, st.created.SourceKind)
	assert.Equal(t, "weather-helper", st.created.SkillName)
	assert.Equal(t, models.LabelUnsafe, st.created.TrustLabel)
	assert.Equal(t, 2, st.created.FindingsCount)
	assert.Equal(t, []string{"llm", "static"}, st.created.AnalyzersUsed)
	assert.Equal(t, int64(2500), st.created.DurationMS)
	require.NotNil(t, st.created.OwnerID)
	assert.Equal(t, viewer, *st.created.OwnerID)
	assert.Len(t, st.createdFinds, 2)

	assert.Equal(t, 1, lg.eligChecks)
	assert.Equal(t, 1, lg.settleCalls)
	assert.Equal(t, viewer, lg.settledAcct)
	assert.Equal(t, st.created.ID, lg.settledScanID, "settlement must reference the stored scan")
}

func TestSubmitUploadAnonymous(t *testing.T) {
	an := &fakeAnalyzer{result: cleanResult()}
	orch, st, lg := newFixture(an)

	res, err := orch.SubmitUpload(context.Background(), nil, "skill.zip", []byte("x"))
	require.NoError(t, err)

	assert.False(t, res.Settled, "anonymous scans defer settlement to claim")
	require.NotNil(t, st.created)
	assert.Nil(t, st.created.OwnerID)
	assert.Zero(t, st.dupLookups)
	assert.Zero(t, lg.eligChecks)
	assert.Zero(t, lg.settleCalls)
}

func TestSubmitUploadDuplicateShortCircuit(t *testing.T) {
	viewer := uuid.New()
	prior := &models.Scan{
		ID:        uuid.New(),
		OwnerID:   &viewer,
		CreatedAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	an := &fakeAnalyzer{result: cleanResult()}
	orch, st, lg := newFixture(an)
	st.duplicate = prior

	res, err := orch.SubmitUpload(context.Background(), &viewer, "skill.zip", []byte("same bytes"))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, prior, res.Scan)
	assert.Equal(t, "You've already scanned this skill on Mar 14, 2026.", res.Message)
	assert.False(t, res.Settled)
	assert.Zero(t, an.calls, "duplicates must not rerun the analyzer")
	assert.Zero(t, lg.settleCalls, "duplicates must not be charged")
	assert.Nil(t, st.created)
}

func TestSubmitUploadIneligible(t *testing.T) {
	viewer := uuid.New()
	an := &fakeAnalyzer{result: cleanResult()}
	orch, st, lg := newFixture(an)
	lg.eligibility = ledger.Eligibility{Eligible: false, Source: models.SourceNone}

	_, err := orch.SubmitUpload(context.Background(), &viewer, "skill.zip", []byte("x"))
	assert.ErrorIs(t, err, ErrIneligible)
	assert.Zero(t, an.calls)
	assert.Nil(t, st.created)
}

func TestSubmitUploadVanishedAccount(t *testing.T) {
	viewer := uuid.New()
	an := &fakeAnalyzer{result: cleanResult()}
	orch, st, lg := newFixture(an)
	lg.eligErr = ledger.ErrAccountNotFound

	_, err := orch.SubmitUpload(context.Background(), &viewer, "skill.zip", []byte("x"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound, "the sentinel must survive wrapping for the handler to map it")
	assert.Zero(t, an.calls)
	assert.Nil(t, st.created)
}

func TestSubmitUploadAnalyzerFailure(t *testing.T) {
	viewer := uuid.New()
	an := &fakeAnalyzer{err: scanner.ErrTimeout}
	orch, st, lg := newFixture(an)

	_, err := orch.SubmitUpload(context.Background(), &viewer, "skill.zip", []byte("x"))
	assert.ErrorIs(t, err, scanner.ErrTimeout)
	assert.Nil(t, st.created, "failed analysis must persist nothing")
	assert.Zero(t, lg.settleCalls)
}

func TestSubmitUploadSettlementFailureIsNonFatal(t *testing.T) {
	viewer := uuid.New()
	an := &fakeAnalyzer{result: cleanResult()}
	orch, st, lg := newFixture(an)
	lg.settleEntry = nil
	lg.settleErr = errors.New("db down")

	res, err := orch.SubmitUpload(context.Background(), &viewer, "skill.zip", []byte("x"))
	require.NoError(t, err, "a stored scan survives a failed settlement")
	assert.False(t, res.Settled)
	assert.NotNil(t, st.created)
}

func TestSubmitUploadSettlementSkipped(t *testing.T) {
	viewer := uuid.New()
	an := &fakeAnalyzer{result: cleanResult()}
	orch, _, lg := newFixture(an)
	lg.settleEntry = nil

	res, err := orch.SubmitUpload(context.Background(), &viewer, "skill.zip", []byte("x"))
	require.NoError(t, err)
	assert.False(t, res.Settled)
}

func TestSubmitUploadPartialResultIsInconclusive(t *testing.T) {
	an := &fakeAnalyzer{result: &scanner.Result{
		SkillName: "partial-skill",
		Findings:  []scanner.Finding{{Severity: "critical", Title: "Maybe bad"}},
		Partial:   true,
	}}
	orch, st, _ := newFixture(an)

	_, err := orch.SubmitUpload(context.Background(), nil, "skill.zip", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, models.LabelInconclusive, st.created.TrustLabel)
}

func TestSubmitRepository(t *testing.T) {
	an := &fakeAnalyzer{result: cleanResult()}
	st := &fakeStore{}
	lg := &fakeLedger{eligibility: eligible(), settleEntry: &models.LedgerEntry{ID: 1}}
	rf := &fakeFetcher{payload: []byte("archive bytes")}
	orch := NewOrchestrator(st, lg, an, rf)

	res, err := orch.SubmitRepository(context.Background(), nil, "https://github.com/octo/weather-skill")
	require.NoError(t, err)

	assert.Equal(t, models.SourceRepository, res.Scan.SourceKind)
	assert.Equal(t, "https://github.com/octo/weather-skill", res.Scan.SourceURL)
	assert.Equal(t, 1, an.calls)
}

func TestSubmitRepositoryBadURL(t *testing.T) {
	an := &fakeAnalyzer{result: cleanResult()}
	orch, _, _ := newFixture(an)

	_, err := orch.SubmitRepository(context.Background(), nil, "https://gitlab.com/octo/repo")
	assert.ErrorIs(t, err, fetcher.ErrInvalidURL)
	assert.Zero(t, an.calls)
}

func TestSubmitRepositoryFetchFailure(t *testing.T) {
	an := &fakeAnalyzer{result: cleanResult()}
	st := &fakeStore{}
	lg := &fakeLedger{eligibility: eligible()}
	rf := &fakeFetcher{err: fetcher.ErrNotFound}
	orch := NewOrchestrator(st, lg, an, rf)

	_, err := orch.SubmitRepository(context.Background(), nil, "github.com/octo/missing")
	assert.ErrorIs(t, err, fetcher.ErrNotFound)
	assert.Zero(t, an.calls)
	assert.Nil(t, st.created)
}

func TestClaim(t *testing.T) {
	accountID := uuid.New()
	scanID := uuid.New()

	t.Run("settles after claim", func(t *testing.T) {
		an := &fakeAnalyzer{}
		orch, st, lg := newFixture(an)

		settled, err := orch.Claim(context.Background(), accountID, scanID)
		require.NoError(t, err)
		assert.True(t, settled)
		assert.Equal(t, scanID, st.claimedScanID)
		assert.Equal(t, accountID, st.claimedBy)
		assert.Equal(t, scanID, lg.settledScanID)
	})

	t.Run("already claimed", func(t *testing.T) {
		an := &fakeAnalyzer{}
		orch, st, lg := newFixture(an)
		st.claimErr = store.ErrAlreadyClaimed

		_, err := orch.Claim(context.Background(), accountID, scanID)
		assert.ErrorIs(t, err, store.ErrAlreadyClaimed)
		assert.Zero(t, lg.settleCalls, "a failed claim must not settle")
	})

	t.Run("ineligible claimant keeps ownership", func(t *testing.T) {
		an := &fakeAnalyzer{}
		orch, st, lg := newFixture(an)
		lg.settleEntry = nil

		settled, err := orch.Claim(context.Background(), accountID, scanID)
		require.NoError(t, err)
		assert.False(t, settled)
		assert.Equal(t, accountID, st.claimedBy, "ownership transfers even when the charge is skipped")
	})

	t.Run("settlement error is non-fatal", func(t *testing.T) {
		an := &fakeAnalyzer{}
		orch, _, lg := newFixture(an)
		lg.settleEntry = nil
		lg.settleErr = errors.New("db down")

		settled, err := orch.Claim(context.Background(), accountID, scanID)
		require.NoError(t, err)
		assert.False(t, settled)
	})
}
