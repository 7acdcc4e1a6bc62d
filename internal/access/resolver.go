// Package access decides who may read a scan. Denials are rendered to
// callers exactly like not-found so private scans do not leak their
// existence.
package access

import (
	"github.com/google/uuid"
	"github.com/skillscan/skillscan/internal/models"
)

// Decision is the resolver's answer for one (viewer, scan) pair.
type Decision int

const (
	// Allow grants the full record, findings included.
	Allow Decision = iota
	// RequireAuth grants only the redacted summary; the viewer must sign in
	// (and may then claim the scan).
	RequireAuth
	// Deny refuses access. Reported identically to not-found.
	Deny
)

// Resolve applies the visibility rules in order: unclaimed scans ask
// anonymous viewers to authenticate and allow any authenticated viewer
// (who is implicitly eligible to claim); owners always see their scans;
// public scans are open to everyone; everything else is denied.
func Resolve(viewer *uuid.UUID, scan *models.Scan) Decision {
	if scan.OwnerID == nil {
		if viewer == nil {
			return RequireAuth
		}
		return Allow
	}
	if viewer != nil && *viewer == *scan.OwnerID {
		return Allow
	}
	if scan.IsPublic {
		return Allow
	}
	return Deny
}
