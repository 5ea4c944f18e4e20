package models

import (
	"fmt"
	"strings"
	"time"
)

// Category is one of the fixed requirement categories a program page is
// mined for. The set is closed; values outside it are dropped at the boundary.
type Category string

const (
	CategoryEligibility    Category = "eligibility"
	CategoryCompanySize    Category = "company_size"
	CategoryCompanyAge     Category = "company_age"
	CategorySector         Category = "sector"
	CategoryGeographic     Category = "geographic"
	CategoryFinancial      Category = "financial"
	CategoryCoFinancing    Category = "co_financing"
	CategoryFundingDetails Category = "funding_details"
	CategoryUseOfFunds     Category = "use_of_funds"
	CategoryCapexOpex      Category = "capex_opex"
	CategoryRevenueModel   Category = "revenue_model"
	CategoryMarketSize     Category = "market_size"
	CategoryTimeline       Category = "timeline"
	CategoryApplication    Category = "application"
	CategoryDocuments      Category = "documents"
	CategoryEvaluation     Category = "evaluation"
	CategoryReporting      Category = "reporting"
	CategoryTeam           Category = "team"
	CategoryConsortium     Category = "consortium"
	CategoryDiversity      Category = "diversity"
	CategoryProject        Category = "project"
	CategoryTechnical      Category = "technical"
	CategoryTRLLevel       Category = "trl_level"
	CategoryInnovation     Category = "innovation"
	CategoryImpact         Category = "impact"
	CategorySustainability Category = "sustainability"
	CategoryLegal          Category = "legal"
	CategoryCompliance     Category = "compliance"
	CategoryIPRights       Category = "ip_rights"
	CategoryRestrictions   Category = "restrictions"
)

// AllCategories lists every category in a stable order.
var AllCategories = []Category{
	CategoryEligibility, CategoryCompanySize, CategoryCompanyAge, CategorySector,
	CategoryGeographic, CategoryFinancial, CategoryCoFinancing, CategoryFundingDetails,
	CategoryUseOfFunds, CategoryCapexOpex, CategoryRevenueModel, CategoryMarketSize,
	CategoryTimeline, CategoryApplication, CategoryDocuments, CategoryEvaluation,
	CategoryReporting, CategoryTeam, CategoryConsortium, CategoryDiversity,
	CategoryProject, CategoryTechnical, CategoryTRLLevel, CategoryInnovation,
	CategoryImpact, CategorySustainability, CategoryLegal, CategoryCompliance,
	CategoryIPRights, CategoryRestrictions,
}

// CriticalCategories are required for a usable program record.
var CriticalCategories = []Category{
	CategoryEligibility, CategoryFinancial, CategoryTimeline,
	CategoryGeographic, CategoryTeam, CategoryImpact,
}

var categorySet = func() map[Category]bool {
	m := make(map[Category]bool, len(AllCategories))
	for _, c := range AllCategories {
		m[c] = true
	}
	return m
}()

var criticalSet = map[Category]bool{
	CategoryEligibility: true, CategoryFinancial: true, CategoryTimeline: true,
	CategoryGeographic: true, CategoryTeam: true, CategoryImpact: true,
}

// IsCritical reports whether c counts toward quality tiering.
func (c Category) IsCritical() bool { return criticalSet[c] }

// ParseCategory maps a loosely formatted name ("Co-Financing", "trl level")
// onto the closed set.
func ParseCategory(s string) (Category, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	c := Category(s)
	return c, categorySet[c]
}

// RequirementSource records which extractor produced an item.
type RequirementSource string

const (
	SourcePattern RequirementSource = "pattern"
	SourceLLM     RequirementSource = "llm"
	SourceHybrid  RequirementSource = "hybrid"
)

// RequirementItem is one extracted requirement. Items are replaced wholesale
// on re-scrape, never edited.
type RequirementItem struct {
	Category            Category          `json:"category"`
	Type                string            `json:"type"`
	Value               string            `json:"value"`
	Required            bool              `json:"required"`
	Source              RequirementSource `json:"source"`
	MeaningfulnessScore int               `json:"meaningfulness_score"`
}

// Requirements groups items by category.
type Requirements map[Category][]RequirementItem

// Count returns the number of non-empty categories.
func (r Requirements) Count() int {
	n := 0
	for _, items := range r {
		if len(items) > 0 {
			n++
		}
	}
	return n
}

// CriticalCount returns the number of non-empty critical categories.
func (r Requirements) CriticalCount() int {
	n := 0
	for c, items := range r {
		if len(items) > 0 && c.IsCritical() {
			n++
		}
	}
	return n
}

// Items returns the total item count across categories.
func (r Requirements) Items() int {
	n := 0
	for _, items := range r {
		n += len(items)
	}
	return n
}

// Tier is the quality grade that gates persistence and labels learning outcomes.
type Tier int

const (
	TierPoor Tier = iota
	TierFair
	TierGood
	TierExcellent
)

var tierNames = [...]string{"POOR", "FAIR", "GOOD", "EXCELLENT"}

func (t Tier) String() string {
	if t < TierPoor || t > TierExcellent {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier accepts tier names case-insensitively.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Tier(i), nil
		}
	}
	return TierPoor, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Page is a persisted funding-program record, upserted by URL.
type Page struct {
	URL                     string            `json:"url"`
	InstitutionID           string            `json:"institution_id,omitempty"`
	Title                   string            `json:"title"`
	Description             string            `json:"description,omitempty"`
	FundingAmountMin        *float64          `json:"funding_amount_min,omitempty"`
	FundingAmountMax        *float64          `json:"funding_amount_max,omitempty"`
	Currency                string            `json:"currency,omitempty"`
	Deadline                string            `json:"deadline,omitempty"` // YYYY-MM-DD
	OpenDeadline            bool              `json:"open_deadline"`
	ContactEmail            string            `json:"contact_email,omitempty"`
	ContactPhone            string            `json:"contact_phone,omitempty"`
	Region                  string            `json:"region,omitempty"`
	FundingTypes            []string          `json:"funding_types,omitempty"`
	ProgramFocus            []string          `json:"program_focus,omitempty"`
	CategorizedRequirements Requirements      `json:"categorized_requirements"`
	Metadata                map[string]string `json:"metadata,omitempty"`
	Tier                    Tier              `json:"tier"`
	ContentHash             string            `json:"content_hash,omitempty"`
	FetchedAt               time.Time         `json:"fetched_at"`
}

// HasAmount reports whether either bound of the funding amount is known.
func (p *Page) HasAmount() bool {
	return p.FundingAmountMin != nil || p.FundingAmountMax != nil
}

// HasDeadline reports a concrete or rolling deadline.
func (p *Page) HasDeadline() bool {
	return p.Deadline != "" || p.OpenDeadline
}
