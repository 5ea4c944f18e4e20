package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
)

// handleListInstitutions handles the list_institutions tool
func (s *Server) handleListInstitutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seedsByID := make(map[string][]string)
	for _, seed := range s.cfg.Registry.GetAllSeedURLs() {
		seedsByID[seed.InstitutionID] = append(seedsByID[seed.InstitutionID], seed.URL)
	}

	ids := make([]string, 0, len(seedsByID))
	for id := range seedsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	institutions := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		inst, ok := s.cfg.Registry.Institution(id)
		if !ok {
			continue
		}
		info := map[string]interface{}{
			"id":        inst.ID,
			"name":      inst.Name,
			"base_url":  inst.BaseURL,
			"seed_urls": seedsByID[id],
			"region":    inst.Region,
			"login":     inst.Login.HasCredentials(),
		}
		institutions = append(institutions, info)
	}

	result := map[string]interface{}{
		"institutions":       institutions,
		"config_path":        s.cfg.ConfigPath,
		"total_institutions": len(institutions),
		"cycle_running":      s.jobManager.IsRunning(JobKindCycle),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleRunCycle handles the run_cycle tool
func (s *Server) handleRunCycle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, created := s.jobManager.CreateJob(JobKindCycle)
	if !created {
		result := map[string]interface{}{
			"status":  "already_running",
			"message": "A discovery cycle is already in progress",
			"job_id":  job.ID,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	go s.runCycleJob(job.ID)

	result := map[string]interface{}{
		"status":  "started",
		"message": "Discovery cycle started",
		"job_id":  job.ID,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleRecheckBlacklist handles the recheck_blacklist tool
func (s *Server) handleRecheckBlacklist(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxSamples := request.GetInt("max_samples", 0)
	if maxSamples < 0 {
		return mcp.NewToolResultError("max_samples must not be negative"), nil
	}

	job, created := s.jobManager.CreateJob(JobKindRecheck)
	if !created {
		result := map[string]interface{}{
			"status":  "already_running",
			"message": "A blacklist recheck is already in progress",
			"job_id":  job.ID,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	go s.runRecheckJob(job.ID, maxSamples)

	result := map[string]interface{}{
		"status":  "started",
		"message": "Blacklist recheck started",
		"job_id":  job.ID,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	if job.Kind == JobKindCycle && job.active() {
		p := s.cfg.Cycle.Progress()
		job.HostsDone, job.HostsTotal = int64(p.HostsDone), int64(p.HostsTotal)
	}

	result := map[string]interface{}{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"started_at": job.StartedAt.Format(time.RFC3339),
		"items":      job.Items,
	}
	if job.Kind == JobKindCycle {
		result["hosts_done"] = job.HostsDone
		result["hosts_total"] = job.HostsTotal
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleClassifyURL handles the classify_url tool
func (s *Server) handleClassifyURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urlStr := request.GetString("url", "")
	if urlStr == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	cls, err := s.cfg.Classifier.Classify(urlStr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid URL: %v", err)), nil
	}

	result := map[string]interface{}{
		"url":           urlStr,
		"canonical_url": cls.CanonicalURL,
		"host":          cls.Host,
		"kind":          cls.Kind,
		"reason":        cls.Reason,
	}
	if cls.MatchedPattern != "" {
		result["matched_pattern"] = cls.MatchedPattern
	}
	if inst, ok := s.cfg.Registry.FindInstitutionByURL(cls.CanonicalURL); ok {
		result["institution_id"] = inst.ID
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListPatterns handles the list_patterns tool
func (s *Server) handleListPatterns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host := request.GetString("host", "")
	typ := models.PatternType(request.GetString("type", ""))
	if typ != "" && typ != models.PatternInclude && typ != models.PatternExclude {
		return mcp.NewToolResultError(fmt.Sprintf("unknown pattern type '%s' (supported: include, exclude)", typ)), nil
	}
	minConf := request.GetFloat("min_confidence", 0)
	maxResults := request.GetInt("max_results", 50)
	if maxResults <= 0 {
		maxResults = 50
	}
	maxResults = min(maxResults, 500)

	patterns, err := s.cfg.Store.QueryURLPatterns(host, typ, minConf, 1)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to query patterns: %v", err)), nil
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].Key() < patterns[j].Key()
	})
	total := len(patterns)
	if len(patterns) > maxResults {
		patterns = patterns[:maxResults]
	}

	active := s.cfg.AppConfig.Learning.ActivationConfidence
	items := make([]map[string]interface{}, 0, len(patterns))
	for _, p := range patterns {
		item := map[string]interface{}{
			"host":             p.Host,
			"type":             p.Type,
			"pattern":          p.Pattern,
			"confidence":       p.Confidence,
			"active":           p.Confidence >= active,
			"usage_count":      p.UsageCount,
			"learned_from_url": p.LearnedFromURL,
			"source":           p.Source,
		}
		if !p.LastRecheckedAt.IsZero() {
			item["last_rechecked_at"] = p.LastRecheckedAt.Format(time.RFC3339)
		}
		items = append(items, item)
	}

	result := map[string]interface{}{
		"patterns":       items,
		"total_matches":  total,
		"returned_count": len(items),
	}
	if host != "" {
		result["host"] = host
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetProgram handles the get_program tool
func (s *Server) handleGetProgram(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urlStr := request.GetString("url", "")
	if urlStr == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	canonical, _, err := parse.ParseAndNormalize(urlStr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid URL: %v", err)), nil
	}
	page, found, err := s.cfg.Store.GetPage(canonical)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read program: %v", err)), nil
	}
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("no program stored for '%s'", canonical)), nil
	}

	b, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode program: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// handleSearchPrograms handles the search_programs tool
func (s *Server) handleSearchPrograms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	maxResults := request.GetInt("max_results", 10)
	if maxResults <= 0 {
		maxResults = 10
	}
	if maxResults > 100 {
		maxResults = 100
	}

	results, err := s.searchPages(ctx, query, maxResults)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	response := map[string]interface{}{
		"query":         query,
		"results":       results,
		"total_matches": len(results),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// runCycleJob runs a discovery cycle in the background
func (s *Server) runCycleJob(jobID string) {
	s.jobManager.UpdateStatus(jobID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(jobID)

	result, err := s.cfg.Cycle.RunCycle(jobCtx)
	if result != nil {
		s.jobManager.UpdateProgress(jobID, int64(len(result.Hosts)), int64(len(result.Hosts)))
		if result.Summary != nil {
			s.jobManager.SetItems(jobID, int64(result.Summary.Persisted))
		}
	}
	s.finishJob(jobID, err)
}

// runRecheckJob runs a blacklist recheck in the background
func (s *Server) runRecheckJob(jobID string, maxSamples int) {
	s.jobManager.UpdateStatus(jobID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(jobID)

	removed, err := s.cfg.Rechecker.Recheck(jobCtx, maxSamples)
	s.jobManager.SetItems(jobID, int64(len(removed)))
	s.finishJob(jobID, err)
}

func (s *Server) finishJob(jobID string, err error) {
	switch {
	case err == nil:
		s.jobManager.UpdateStatus(jobID, JobStatusCompleted, "")
	case errors.Is(err, context.Canceled):
		s.jobManager.UpdateStatus(jobID, JobStatusCancelled, "")
	default:
		s.log.WithField("job_id", jobID).Errorf("Background job failed: %v", err)
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, err.Error())
	}
}

// searchPages streams the page export and matches query against title,
// description and requirement values.
func (s *Server) searchPages(ctx context.Context, query string, maxResults int) ([]map[string]interface{}, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := s.cfg.Store.ExportPages(ctx, pw)
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	results := make([]map[string]interface{}, 0)
	queryLower := strings.ToLower(query)

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // up to 10MB per line

	for scanner.Scan() && len(results) < maxResults {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var page models.Page
		if err := parseJSONLine(line, &page); err != nil {
			continue
		}

		matchLocation, snippetSource := matchPage(&page, queryLower)
		if matchLocation == "" {
			continue
		}
		results = append(results, map[string]interface{}{
			"url":            page.URL,
			"title":          page.Title,
			"institution_id": page.InstitutionID,
			"tier":           page.Tier,
			"snippet":        extractSnippet(snippetSource, query, 150),
			"match_location": matchLocation,
		})
	}
	if err := scanner.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// matchPage returns where queryLower matched and the text to cut a snippet from.
func matchPage(page *models.Page, queryLower string) (string, string) {
	if strings.Contains(strings.ToLower(page.Title), queryLower) {
		return "title", page.Description
	}
	if strings.Contains(strings.ToLower(page.Description), queryLower) {
		return "description", page.Description
	}
	for _, items := range page.CategorizedRequirements {
		for _, item := range items {
			if strings.Contains(strings.ToLower(item.Value), queryLower) {
				return "requirements", item.Value
			}
		}
	}
	return "", ""
}

// extractSnippet extracts a snippet around the query match, slicing on rune
// boundaries so multi-byte UTF-8 characters are never split.
func extractSnippet(content, query string, maxLen int) string {
	runes := []rune(content)
	queryRunes := []rune(strings.ToLower(query))
	contentLowerRunes := []rune(strings.ToLower(content))

	idx := -1
	for i := 0; i <= len(contentLowerRunes)-len(queryRunes); i++ {
		if string(contentLowerRunes[i:i+len(queryRunes)]) == string(queryRunes) {
			idx = i
			break
		}
	}

	if idx == -1 {
		if len(runes) > maxLen {
			return string(runes[:maxLen]) + "..."
		}
		return content
	}

	start := max(idx-maxLen/2, 0)
	end := min(idx+len(queryRunes)+maxLen/2, len(runes))

	snippet := string(runes[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet = snippet + "..."
	}
	return snippet
}

// parseJSONLine parses a single exported page line
func parseJSONLine(line string, page *models.Page) error {
	return json.Unmarshal([]byte(line), page)
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
