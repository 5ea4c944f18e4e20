package extract

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// HybridExtractor runs pattern extraction first and delegates only the
// categories it left empty to the LLM. Categories on the allowlist are never
// delegated. LLM items never overwrite a populated pattern category.
type HybridExtractor struct {
	pattern   *PatternExtractor
	client    *llmClient
	allowlist map[models.Category]bool
	log       *logrus.Entry
}

// NewHybridExtractor creates a HybridExtractor. client may be nil.
func NewHybridExtractor(pattern *PatternExtractor, client *llmClient, allowlist []string, log *logrus.Entry) *HybridExtractor {
	allowed := make(map[models.Category]bool, len(allowlist))
	for _, name := range allowlist {
		if cat, ok := models.ParseCategory(name); ok {
			allowed[cat] = true
		}
	}
	return &HybridExtractor{
		pattern:   pattern,
		client:    client,
		allowlist: allowed,
		log:       log.WithField("component", "hybrid_extractor"),
	}
}

// Extract implements Extractor.
func (h *HybridExtractor) Extract(ctx context.Context, rawHTML string, pageURL *url.URL, inst *models.Institution) (*Result, error) {
	doc, err := h.pattern.content.Prepare(rawHTML, pageURL)
	if err != nil {
		return nil, err
	}
	res := h.pattern.FromDocument(doc, inst)
	res.Strategy = config.StrategyHybrid

	missing := h.missing(res.Requirements)
	if len(missing) == 0 {
		return res, nil
	}
	if h.client == nil {
		res.LLMError = fmt.Errorf("%w: no model configured", utils.ErrLLM)
		return res, nil
	}

	out, err := h.client.extract(ctx, doc, inst, missing)
	if err != nil {
		h.log.WithError(err).WithField("url", pageURL.String()).Warn("LLM fallback failed, keeping pattern output")
		res.LLMError = err
		return res, nil
	}

	filled := 0
	for cat, items := range out.Requirements {
		if len(res.Requirements[cat]) > 0 || len(items) == 0 {
			continue
		}
		res.Requirements[cat] = items
		filled++
	}
	res.Metadata = mergeMetadata(res.Metadata, out.Metadata)
	res.LLMUsed = true
	h.log.WithFields(logrus.Fields{
		"url":       pageURL.String(),
		"delegated": len(missing),
		"filled":    filled,
	}).Debug("Hybrid extraction merged LLM categories")
	return res, nil
}

// missing lists empty categories eligible for delegation, in stable order.
func (h *HybridExtractor) missing(reqs models.Requirements) []models.Category {
	var out []models.Category
	for _, cat := range models.AllCategories {
		if len(reqs[cat]) == 0 && !h.allowlist[cat] {
			out = append(out, cat)
		}
	}
	return out
}
