package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yoga-protocol-server/internal/domain"
)

// OutputAssembler turns the filtered practice list into the structured
// recommendation form and renders its narrative projection. Both outputs are
// deterministic for identical input.
type OutputAssembler struct{}

// NewOutputAssembler creates an output assembler.
func NewOutputAssembler() *OutputAssembler {
	return &OutputAssembler{}
}

// Assemble groups practices by category in canonical order, then by
// sub-category alphabetically with the empty sub-category last.
func (a *OutputAssembler) Assemble(
	conditions []domain.Condition,
	modules []domain.ModuleAttribution,
	practices []domain.ConditionPractice,
	removals []domain.Removal,
	audit []domain.DedupRecord,
) *domain.RecommendationResult {
	byCategory := make(map[domain.PracticeCategory]map[string][]domain.ConditionPractice)
	for _, p := range practices {
		if byCategory[p.Category] == nil {
			byCategory[p.Category] = make(map[string][]domain.ConditionPractice)
		}
		byCategory[p.Category][p.SubCategory] = append(byCategory[p.Category][p.SubCategory], p)
	}

	categories := make([]domain.PracticeCategory, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.SliceStable(categories, func(i, j int) bool {
		ri, rj := categories[i].Rank(), categories[j].Rank()
		if ri != rj {
			return ri < rj
		}
		return categories[i] < categories[j]
	})

	result := &domain.RecommendationResult{
		Conditions:    conditionNames(conditions),
		Modules:       modules,
		RemovalReport: removals,
		DedupAudit:    audit,
	}

	for _, cat := range categories {
		group := domain.CategoryGroup{
			Category: cat,
			Kosha:    koshaForGroup(cat, byCategory[cat]),
		}

		subNames := make([]string, 0, len(byCategory[cat]))
		for sub := range byCategory[cat] {
			subNames = append(subNames, sub)
		}
		sort.Slice(subNames, func(i, j int) bool {
			// Empty sub-category sorts after every named one.
			if (subNames[i] == "") != (subNames[j] == "") {
				return subNames[j] == ""
			}
			return subNames[i] < subNames[j]
		})

		for _, sub := range subNames {
			rows := byCategory[cat][sub]
			sort.Slice(rows, func(i, j int) bool {
				ni, nj := domain.NormalizeName(rows[i].EnglishName), domain.NormalizeName(rows[j].EnglishName)
				if ni != nj {
					return ni < nj
				}
				return rows[i].ID < rows[j].ID
			})

			sg := domain.SubGroup{Name: subGroupName(sub)}
			for _, row := range rows {
				sg.Practices = append(sg.Practices, toView(row))
			}
			group.SubGroups = append(group.SubGroups, sg)
		}

		result.Categories = append(result.Categories, group)
	}

	return result
}

// Narrative renders the human-readable sectioned summary. It is a pure
// projection of the structured form: no store access, no extra data paths.
func (a *OutputAssembler) Narrative(r *domain.RecommendationResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Yoga Therapy Recommendations for: %s\n\n", strings.Join(r.Conditions, ", "))

	if len(r.Modules) > 0 {
		b.WriteString("MODULES:\n")
		for _, m := range r.Modules {
			fmt.Fprintf(&b, "- %s: Developed by %s\n", m.Condition, m.DevelopedBy)
		}
		b.WriteString("\n")
	}

	b.WriteString("RECOMMENDED PRACTICES:\n\n")
	for _, cg := range r.Categories {
		fmt.Fprintf(&b, "%s [%s]:\n", strings.ToUpper(cg.Category.String()), cg.Kosha)
		for _, sg := range cg.SubGroups {
			if sg.Name != "General" {
				fmt.Fprintf(&b, "  %s:\n", sg.Name)
			}
			for _, p := range sg.Practices {
				b.WriteString("    • ")
				b.WriteString(displayName(p))

				details := practiceDetails(p)
				if len(details) > 0 {
					fmt.Fprintf(&b, " - %s", strings.Join(details, ", "))
				}
				if p.EvidenceCount > 0 {
					fmt.Fprintf(&b, " [evidence: %d %s]", p.EvidenceCount, pluralTrials(p.EvidenceCount))
				}
				if p.Citation != nil {
					fmt.Fprintf(&b, " [Cited: %s]", p.Citation.Text)
				}
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	if len(r.RemovalReport) > 0 {
		b.WriteString("EXCLUDED FOR SAFETY:\n")
		for _, rm := range r.RemovalReport {
			fmt.Fprintf(&b, "- %s (%s)", rm.EnglishName, rm.Category)
			if rm.Reason != "" {
				fmt.Fprintf(&b, ": %s", rm.Reason)
			}
			fmt.Fprintf(&b, " [applies to %s]\n", rm.Combination)
		}
	}

	return b.String()
}

func conditionNames(conditions []domain.Condition) []string {
	names := make([]string, len(conditions))
	for i, c := range conditions {
		names[i] = c.Name
	}
	return names
}

// koshaForGroup prefers the kosha shared by the group's records so that an
// explicit override on every record carries through; mixed groups fall back
// to the category default.
func koshaForGroup(cat domain.PracticeCategory, subs map[string][]domain.ConditionPractice) domain.Kosha {
	var k domain.Kosha
	for _, rows := range subs {
		for _, row := range rows {
			if k == "" {
				k = row.Kosha
			} else if k != row.Kosha {
				return domain.KoshaForCategory(cat)
			}
		}
	}
	if k == "" {
		return domain.KoshaForCategory(cat)
	}
	return k
}

func subGroupName(sub string) string {
	if sub == "" {
		return "General"
	}
	return sub
}

func toView(p domain.ConditionPractice) domain.PracticeView {
	view := domain.PracticeView{
		SanskritName:  p.SanskritName,
		EnglishName:   p.EnglishName,
		Category:      p.Category,
		SubCategory:   p.SubCategory,
		Kosha:         p.Kosha,
		Rounds:        p.Rounds,
		TimeMinutes:   p.TimeMinutes,
		StrokesPerMin: p.StrokesPerMin,
		RestSeconds:   p.RestSeconds,
		Variations:    p.Variations,
		Steps:         p.Steps,
		Description:   p.Description,
		EvidenceCount: p.EvidenceCount,
	}
	if p.Module != nil {
		view.Module = p.Module.DevelopedBy
	}
	if p.Citation != nil {
		view.Citation = &domain.CitationView{
			Text:      p.Citation.Text,
			Type:      p.Citation.Type,
			Reference: p.Citation.FullReference,
			URL:       p.Citation.URL,
		}
	}
	return view
}

func displayName(p domain.PracticeView) string {
	if p.SanskritName != "" && !strings.EqualFold(p.SanskritName, p.EnglishName) {
		return fmt.Sprintf("%s (%s)", p.SanskritName, p.EnglishName)
	}
	return p.EnglishName
}

func practiceDetails(p domain.PracticeView) []string {
	var details []string
	if p.Rounds != nil {
		details = append(details, fmt.Sprintf("%d rounds", *p.Rounds))
	}
	if p.TimeMinutes != nil {
		details = append(details, fmt.Sprintf("%g min", *p.TimeMinutes))
	}
	if p.StrokesPerMin != nil {
		details = append(details, fmt.Sprintf("%d strokes/min", *p.StrokesPerMin))
	}
	if p.RestSeconds != nil {
		details = append(details, fmt.Sprintf("%ds rest", *p.RestSeconds))
	}
	return details
}

func pluralTrials(n int) string {
	if n == 1 {
		return "trial"
	}
	return "trials"
}
