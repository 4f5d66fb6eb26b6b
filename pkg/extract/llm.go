package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thc1006/paperstore/pkg/llm"
)

// LLMExtractor refines the rule-based extraction with a completion
// model: pages, sections and citations always come from the rule pass,
// the summary is asked of the model and parsed out of tagged fields.
// Every model-side failure falls back to the rule-based summary, so
// this extractor never fails where the rule extractor would succeed.
type LLMExtractor struct {
	client   llm.Client
	fallback *RuleExtractor
	config   *Config
	logger   *slog.Logger
}

// NewLLMExtractor creates the model-backed extractor around an existing
// rule extractor. A nil config uses defaults.
func NewLLMExtractor(client llm.Client, fallback *RuleExtractor, config *Config, logger *slog.Logger) *LLMExtractor {
	if config == nil {
		config = DefaultConfig()
	}
	normalizeExtractConfig(config)

	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = NewRuleExtractor(config, logger)
	}

	return &LLMExtractor{
		client:   client,
		fallback: fallback,
		config:   config,
		logger:   logger.With("component", "llm-extractor"),
	}
}

// Extract runs the rule pass, then asks the model for a better summary.
func (e *LLMExtractor) Extract(ctx context.Context, localPath string) (*Document, error) {
	doc, err := e.fallback.Extract(ctx, localPath)
	if err != nil {
		return nil, err
	}
	if len(doc.Sections) == 0 {
		// Nothing to prompt with; the rule summary is all there is.
		return doc, nil
	}

	response, err := e.client.Complete(ctx, e.buildPrompt(doc.Sections))
	if err != nil {
		e.logger.Warn("Completion failed, keeping rule-based summary", "path", localPath, "error", err)
		return doc, nil
	}

	parsed, ok := parseTaggedSummary(response)
	if !ok {
		e.logger.Warn("Completion reply carried no summary tags, keeping rule-based summary", "path", localPath)
		return doc, nil
	}

	doc.Summary = mergeSummaries(doc.Summary, parsed)
	return doc, nil
}

// buildPrompt quotes the head of each section under its title, within
// the configured budget, and pins the tagged reply format.
func (e *LLMExtractor) buildPrompt(sections []Section) string {
	var content strings.Builder
	for _, section := range sections {
		snippet := section.Content
		if len(snippet) > e.config.SectionSnips {
			snippet = snippet[:e.config.SectionSnips]
		}
		if content.Len()+len(section.Title)+len(snippet) > e.config.MaxPromptChars {
			break
		}
		fmt.Fprintf(&content, "## %s\n%s\n\n", section.Title, snippet)
	}

	return fmt.Sprintf(`Extract the key information from the following paper content.

%s
Reply with exactly this structure and nothing else:
<response>
  <title>paper title</title>
  <authors>author names separated by ;</authors>
  <abstract>abstract</abstract>
  <methodology>research methodology</methodology>
  <results>main results</results>
  <conclusion>key contributions</conclusion>
</response>
`, content.String())
}

// parseTaggedSummary pulls the tagged fields out of a model reply. The
// second return value is false when no tag parsed, which callers treat
// as an unusable reply.
func parseTaggedSummary(response string) (Summary, bool) {
	var summary Summary
	found := false

	if v, ok := tagContent(response, "title"); ok {
		summary.Title = v
		found = true
	}
	if v, ok := tagContent(response, "authors"); ok {
		for _, name := range strings.Split(v, ";") {
			if name = strings.TrimSpace(name); name != "" {
				summary.Authors = append(summary.Authors, name)
			}
		}
		found = true
	}
	if v, ok := tagContent(response, "abstract"); ok {
		summary.Abstract = v
		found = true
	}
	if v, ok := tagContent(response, "methodology"); ok {
		summary.Methodology = v
		found = true
	}
	if v, ok := tagContent(response, "results"); ok {
		summary.Results = v
		found = true
	}
	if v, ok := tagContent(response, "conclusion"); ok {
		summary.Conclusion = v
		found = true
	}

	return summary, found
}

// tagContent extracts the trimmed text between <tag> and </tag>.
func tagContent(s, tag string) (string, bool) {
	opening, closing := "<"+tag+">", "</"+tag+">"

	start := strings.Index(s, opening)
	if start < 0 {
		return "", false
	}
	start += len(opening)

	end := strings.Index(s[start:], closing)
	if end < 0 {
		return "", false
	}

	return strings.TrimSpace(s[start : start+end]), true
}

// mergeSummaries overlays the model's fields on the rule-based summary,
// keeping the rule value wherever the model left a field empty.
func mergeSummaries(base, overlay Summary) Summary {
	if overlay.Title != "" {
		base.Title = overlay.Title
	}
	if len(overlay.Authors) > 0 {
		base.Authors = overlay.Authors
	}
	if overlay.Abstract != "" {
		base.Abstract = overlay.Abstract
	}
	if overlay.Methodology != "" {
		base.Methodology = overlay.Methodology
	}
	if overlay.Results != "" {
		base.Results = overlay.Results
	}
	if overlay.Conclusion != "" {
		base.Conclusion = overlay.Conclusion
	}
	return base
}
