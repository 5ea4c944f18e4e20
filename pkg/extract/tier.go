package extract

import (
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
)

// Assess grades a page by its critical category coverage and metadata.
//
//	EXCELLENT: >= ExcellentCritical critical categories, an amount and a deadline
//	GOOD:      >= GoodCritical critical categories
//	FAIR:      >= FairCritical critical categories, an amount, or
//	           >= FairMinCategories categories of any kind
//	POOR:      anything else
//
// An open (rolling) deadline counts as a deadline.
func Assess(page *models.Page, t config.TierThresholds) models.Tier {
	if page == nil {
		return models.TierPoor
	}
	reqs := page.CategorizedRequirements
	critical := reqs.CriticalCount()
	hasAmount := page.HasAmount()

	switch {
	case critical >= t.ExcellentCritical && hasAmount && page.HasDeadline():
		return models.TierExcellent
	case critical >= t.GoodCritical:
		return models.TierGood
	case critical >= t.FairCritical, hasAmount,
		t.FairMinCategories > 0 && reqs.Count() >= t.FairMinCategories:
		return models.TierFair
	}
	return models.TierPoor
}

// ShouldPersist reports whether tier clears the configured minimum.
func ShouldPersist(tier models.Tier, t config.TierThresholds) bool {
	return tier >= t.MinTier()
}
