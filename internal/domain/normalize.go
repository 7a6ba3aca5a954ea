package domain

import "strings"

// NormalizeName is the single normalization applied at every comparison site:
// trim, case-fold, collapse internal whitespace. Practice dedup identity,
// exclusion matching and trial-reference matching all go through it.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// PracticeIdentity is the dedup identity of a practice record: normalized
// english name plus exact category. Sub-category, dosage fields and module
// are deliberately not part of it.
type PracticeIdentity struct {
	Name     string
	Category PracticeCategory
}

// IdentityOf returns the dedup identity for a practice.
func IdentityOf(p *Practice) PracticeIdentity {
	return PracticeIdentity{
		Name:     NormalizeName(p.EnglishName),
		Category: p.Category.Canonical(),
	}
}

// RuleIdentity returns the identity an exclusion rule matches against.
func RuleIdentity(r *ExclusionRule) PracticeIdentity {
	return PracticeIdentity{
		Name:     NormalizeName(r.EnglishName),
		Category: r.Category.Canonical(),
	}
}
