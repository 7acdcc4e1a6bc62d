package models

import "strings"

// TrustLabel is the overall verdict shown for a scan.
type TrustLabel string

const (
	LabelSafe      TrustLabel = "safe"
	LabelCaution   TrustLabel = "caution"
	LabelUnsafe    TrustLabel = "unsafe"
	LabelDangerous TrustLabel = "dangerous"
	// LabelInconclusive is never derived from severity counts. It is set only
	// when the analyzer reports a partial run.
	LabelInconclusive TrustLabel = "inconclusive"
)

// Severity buckets findings. Analyzers report these upper-cased; Parse
// normalizes and maps anything unknown to info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ParseSeverity normalizes an analyzer-reported severity string.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// FindingsSummary counts findings per severity bucket.
type FindingsSummary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Add bumps the bucket for one finding.
func (f *FindingsSummary) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		f.Critical++
	case SeverityHigh:
		f.High++
	case SeverityMedium:
		f.Medium++
	case SeverityLow:
		f.Low++
	default:
		f.Info++
	}
}

// Total returns the number of findings across all buckets.
func (f FindingsSummary) Total() int {
	return f.Critical + f.High + f.Medium + f.Low + f.Info
}

// MaxSeverity returns the highest non-empty bucket, or info for an empty summary.
func (f FindingsSummary) MaxSeverity() Severity {
	switch {
	case f.Critical > 0:
		return SeverityCritical
	case f.High > 0:
		return SeverityHigh
	case f.Medium > 0:
		return SeverityMedium
	case f.Low > 0:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// DeriveTrustLabel maps a severity summary to a verdict:
// two or more criticals are dangerous, any critical or high is unsafe,
// any medium is caution, everything else is safe.
func DeriveTrustLabel(f FindingsSummary) TrustLabel {
	switch {
	case f.Critical >= 2:
		return LabelDangerous
	case f.Critical >= 1 || f.High >= 1:
		return LabelUnsafe
	case f.Medium >= 1:
		return LabelCaution
	default:
		return LabelSafe
	}
}
