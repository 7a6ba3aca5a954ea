package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Core Enums and Types

// PracticeCategory represents the ten practice segments of a therapy protocol
type PracticeCategory string

const (
	PreparatoryPractice PracticeCategory = "Preparatory Practice"
	BreathingPractice   PracticeCategory = "Breathing Practice"
	SequentialPractice  PracticeCategory = "Sequential Yogic Practice"
	Yogasana            PracticeCategory = "Yogasana"
	Pranayama           PracticeCategory = "Pranayama"
	Meditation          PracticeCategory = "Meditation"
	Chanting            PracticeCategory = "Chanting"
	AdditionalPractices PracticeCategory = "Additional Practices"
	Kriya               PracticeCategory = "Kriya (Cleansing Techniques)"
	YogicCounselling    PracticeCategory = "Yogic Counselling"
)

// Suryanamaskara is the legacy label some datasets still carry; it is
// normalized to SequentialPractice on read.
const Suryanamaskara PracticeCategory = "Suryanamaskara"

// CategoryOrder is the canonical display order of practice segments.
var CategoryOrder = []PracticeCategory{
	PreparatoryPractice,
	BreathingPractice,
	SequentialPractice,
	Yogasana,
	Pranayama,
	Meditation,
	Chanting,
	AdditionalPractices,
	Kriya,
	YogicCounselling,
}

var categoryRank = func() map[PracticeCategory]int {
	m := make(map[PracticeCategory]int, len(CategoryOrder))
	for i, c := range CategoryOrder {
		m[c] = i
	}
	return m
}()

// Rank returns the position of the category in the canonical order.
// Unrecognized categories rank after all known ones.
func (c PracticeCategory) Rank() int {
	if r, ok := categoryRank[c]; ok {
		return r
	}
	return len(CategoryOrder)
}

// Canonical maps legacy category labels to their current form.
func (c PracticeCategory) Canonical() PracticeCategory {
	if c == Suryanamaskara {
		return SequentialPractice
	}
	return c
}

func (c PracticeCategory) String() string {
	return string(c)
}

// Kosha represents the five-layer Pancha Kosha classification of a practice
type Kosha string

const (
	AnnamayaKosha    Kosha = "Annamaya Kosha"
	PranamayaKosha   Kosha = "Pranamaya Kosha"
	ManomayaKosha    Kosha = "Manomaya Kosha"
	VijnanamayaKosha Kosha = "Vijnanamaya Kosha"
	AnandamayaKosha  Kosha = "Anandamaya Kosha"
)

var categoryKosha = map[PracticeCategory]Kosha{
	PreparatoryPractice: AnnamayaKosha,
	BreathingPractice:   PranamayaKosha,
	SequentialPractice:  AnnamayaKosha,
	Yogasana:            AnnamayaKosha,
	Pranayama:           PranamayaKosha,
	Meditation:          ManomayaKosha,
	Chanting:            ManomayaKosha,
	AdditionalPractices: AnnamayaKosha,
	Kriya:               AnnamayaKosha,
	YogicCounselling:    VijnanamayaKosha,
}

// KoshaForCategory returns the default kosha for a practice category.
// AnandamayaKosha is never derived; it can only be set explicitly on a record.
func KoshaForCategory(c PracticeCategory) Kosha {
	if k, ok := categoryKosha[c.Canonical()]; ok {
		return k
	}
	return AnnamayaKosha
}

func (k Kosha) String() string {
	return string(k)
}

// Record Models

// Condition represents a named health condition (e.g. Depression, GAD)
type Condition struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Module represents one external source protocol for a single condition
type Module struct {
	ID          int64  `json:"id"`
	ConditionID int64  `json:"condition_id"`
	DevelopedBy string `json:"developed_by"`
	Description string `json:"description,omitempty"`
}

// Citation is a bibliographic reference shared by practices
type Citation struct {
	ID            int64  `json:"id"`
	Text          string `json:"text"`
	Type          string `json:"type,omitempty"` // research_paper, book, study
	FullReference string `json:"full_reference,omitempty"`
	URL           string `json:"url,omitempty"`
}

// Practice is the unit of therapeutic action
type Practice struct {
	ID           int64            `json:"id"`
	SanskritName string           `json:"sanskrit_name,omitempty"`
	EnglishName  string           `json:"english_name"`
	Category     PracticeCategory `json:"category"`
	SubCategory  string           `json:"sub_category,omitempty"`
	Kosha        Kosha            `json:"kosha"`

	Rounds        *int     `json:"rounds,omitempty"`
	TimeMinutes   *float64 `json:"time_minutes,omitempty"`
	StrokesPerMin *int     `json:"strokes_per_min,omitempty"`
	RestSeconds   *int     `json:"rest_between_cycles_sec,omitempty"`

	Variations  []string `json:"variations,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	Description string   `json:"description,omitempty"`

	// EvidenceCount is maintained exclusively by the evidence matcher.
	EvidenceCount int `json:"evidence_count"`

	// CVRScore is stored but not yet consumed by any selection logic.
	CVRScore *float64 `json:"cvr_score,omitempty"`

	CitationID *int64    `json:"citation_id,omitempty"`
	ModuleID   *int64    `json:"module_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConditionPractice is a practice record with its originating condition and
// the module/citation rows needed for attribution.
type ConditionPractice struct {
	Practice
	Condition Condition `json:"condition"`
	Module    *Module   `json:"module,omitempty"`
	Citation  *Citation `json:"citation,omitempty"`
}

// ExclusionRule forbids a practice for a specific condition combination
type ExclusionRule struct {
	ID            int64            `json:"id"`
	CombinationID int64            `json:"combination_id"`
	SanskritName  string           `json:"sanskrit_name,omitempty"`
	EnglishName   string           `json:"english_name"`
	Category      PracticeCategory `json:"category"`
	SubCategory   string           `json:"sub_category,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Source        string           `json:"source,omitempty"`
}

// Combination is an explicit non-empty set of conditions, keyed by the
// canonical sorted-id tuple.
type Combination struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"` // e.g. "Depression + GAD"
	Key          string  `json:"key"`  // e.g. "3,7"
	ConditionIDs []int64 `json:"condition_ids"`
}

// CombinationKey builds the canonical lookup key for a set of condition IDs.
func CombinationKey(ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// CombinationName renders the human-readable "A + B" form of a condition set.
func CombinationName(conditions []Condition) string {
	names := make([]string, len(conditions))
	for i, c := range conditions {
		names[i] = c.Name
	}
	sort.Strings(names)
	return strings.Join(names, " + ")
}

// Trial Models

// TrialReference is one entry of a trial's tested-practice list for a
// condition. Name may be a practice name or a category label; the evidence
// matcher tries both interpretations.
type TrialReference struct {
	ConditionID int64  `json:"condition_id"`
	Name        string `json:"name"`
}

// SymptomMeasure is a measured outcome of a trial with its p-value
type SymptomMeasure struct {
	Symptom     string  `json:"symptom"`
	PValue      float64 `json:"p_value"`
	Operator    string  `json:"operator"` // <, <=, =, >, >=
	Significant bool    `json:"is_significant"`
	NeedsReview bool    `json:"needs_review,omitempty"`
}

// DeriveSignificance computes the significance flag for a symptom measure.
// A measure is significant iff the operator bounds p from above (or pins it)
// at or below 0.05. A "greater than" bound below the threshold is logically
// suspect and is flagged for review instead of trusted.
func DeriveSignificance(operator string, p float64) (significant, needsReview bool) {
	switch operator {
	case "<", "<=", "=":
		return p <= 0.05, false
	case ">", ">=":
		return false, p <= 0.05
	default:
		return false, true
	}
}

// Trial is an evidence record linked to conditions and symptom measures
type Trial struct {
	ID           int64            `json:"id"`
	Title        string           `json:"title"`
	SampleSize   int              `json:"sample_size,omitempty"`
	AgeRange     string           `json:"age_range,omitempty"`
	Population   string           `json:"population,omitempty"`
	Intervention string           `json:"intervention,omitempty"`
	ConditionIDs []int64          `json:"condition_ids"`
	References   []TrialReference `json:"references"`
	Symptoms     []SymptomMeasure `json:"symptoms,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Result Models

// CitationView is the citation subset attached to an output row
type CitationView struct {
	Text      string `json:"text"`
	Type      string `json:"type,omitempty"`
	Reference string `json:"reference,omitempty"`
	URL       string `json:"url,omitempty"`
}

// PracticeView is one row of the assembled recommendation output
type PracticeView struct {
	SanskritName  string           `json:"sanskrit_name,omitempty"`
	EnglishName   string           `json:"english_name"`
	Category      PracticeCategory `json:"category"`
	SubCategory   string           `json:"sub_category,omitempty"`
	Kosha         Kosha            `json:"kosha"`
	Rounds        *int             `json:"rounds,omitempty"`
	TimeMinutes   *float64         `json:"time_minutes,omitempty"`
	StrokesPerMin *int             `json:"strokes_per_min,omitempty"`
	RestSeconds   *int             `json:"rest_between_cycles_sec,omitempty"`
	Variations    []string         `json:"variations,omitempty"`
	Steps         []string         `json:"steps,omitempty"`
	Description   string           `json:"description,omitempty"`
	EvidenceCount int              `json:"evidence_count"`
	Module        string           `json:"module,omitempty"`
	Citation      *CitationView    `json:"citation,omitempty"`
}

// SubGroup groups output rows by sub-category within a category
type SubGroup struct {
	Name      string         `json:"name"`
	Practices []PracticeView `json:"practices"`
}

// CategoryGroup groups output rows by practice category
type CategoryGroup struct {
	Category  PracticeCategory `json:"category"`
	Kosha     Kosha            `json:"kosha"`
	SubGroups []SubGroup       `json:"sub_groups"`
}

// ModuleAttribution credits the source protocol of a condition
type ModuleAttribution struct {
	Condition   string `json:"condition"`
	DevelopedBy string `json:"developed_by"`
	Description string `json:"description,omitempty"`
}

// Removal records one practice excluded from the result and why
type Removal struct {
	EnglishName string           `json:"english_name"`
	Category    PracticeCategory `json:"category"`
	SubCategory string           `json:"sub_category,omitempty"`
	RuleID      int64            `json:"rule_id"`
	Reason      string           `json:"reason,omitempty"`
	Combination string           `json:"combination"`
}

// DedupRecord is one audit entry of the aggregator's duplicate collapse
type DedupRecord struct {
	KeptID           int64    `json:"kept_id"`
	DiscardedIDs     []int64  `json:"discarded_ids"`
	DiscardedModules []string `json:"discarded_modules,omitempty"`
}

// RecommendationResult is the structured form returned by Recommend
type RecommendationResult struct {
	Conditions    []string            `json:"conditions"`
	Modules       []ModuleAttribution `json:"modules,omitempty"`
	Categories    []CategoryGroup     `json:"categories"`
	RemovalReport []Removal           `json:"removal_report,omitempty"`
	DedupAudit    []DedupRecord       `json:"dedup_audit,omitempty"`
}

// PracticeCount returns the number of practice rows across all groups.
func (r *RecommendationResult) PracticeCount() int {
	n := 0
	for _, cg := range r.Categories {
		for _, sg := range cg.SubGroups {
			n += len(sg.Practices)
		}
	}
	return n
}

// String renders a short one-line description for logging.
func (r *RecommendationResult) String() string {
	return fmt.Sprintf("recommendation for %s: %d practices, %d removed",
		strings.Join(r.Conditions, "+"), r.PracticeCount(), len(r.RemovalReport))
}
