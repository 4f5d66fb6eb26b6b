// Package extract turns a locally stored PDF into its coarse structure:
// page texts, section spans, citation lines and a key-information
// summary. The acquisition pipeline consumes the Extractor interface
// only; the rule-based and LLM-backed implementations are selected by
// configuration.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/thc1006/paperstore/pkg/docerr"
)

// Extractor parses one validated local file into a Document. A failed
// extraction never invalidates the cached file, so implementations
// return classified errors instead of panicking.
type Extractor interface {
	Extract(ctx context.Context, localPath string) (*Document, error)
}

// Config holds configuration for structure extraction
type Config struct {
	MaxTitleLength int  `json:"max_title_length"` // Longest line still considered a heading
	FieldLimit     int  `json:"field_limit"`      // Per-field cap for summary text
	MaxPromptChars int  `json:"max_prompt_chars"` // Section text budget for LLM prompts
	SectionSnips   int  `json:"section_snips"`    // Chars of each section quoted in prompts
	KeepPageText   bool `json:"keep_page_text"`   // Retain raw page text on the Document
}

// DefaultConfig returns the default extraction configuration
func DefaultConfig() *Config {
	return &Config{
		MaxTitleLength: 60,
		FieldLimit:     1000,
		MaxPromptChars: 4000,
		SectionSnips:   400,
		KeepPageText:   true,
	}
}

func normalizeExtractConfig(c *Config) {
	if c.MaxTitleLength <= 0 {
		c.MaxTitleLength = 60
	}
	if c.FieldLimit <= 0 {
		c.FieldLimit = 1000
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = 4000
	}
	if c.SectionSnips <= 0 {
		c.SectionSnips = 400
	}
}

// wellKnownHeadings are the section names papers use almost universally.
// A line matching one of these counts as a section title even when it is
// not set in capitals.
var wellKnownHeadings = map[string]bool{
	"abstract":        true,
	"introduction":    true,
	"background":      true,
	"methodology":     true,
	"method":          true,
	"methods":         true,
	"results":         true,
	"discussion":      true,
	"conclusion":      true,
	"conclusions":     true,
	"references":      true,
	"bibliography":    true,
	"acknowledgments": true,
	"appendix":        true,
	"related work":    true,
}

// PageReader turns a local file into its per-page texts. Injectable so
// tests can exercise the structure heuristics on synthetic pages.
type PageReader func(path string) ([]Page, error)

// Option customizes a RuleExtractor.
type Option func(*RuleExtractor)

// WithPageReader replaces the PDF page reader.
func WithPageReader(r PageReader) Option {
	return func(e *RuleExtractor) { e.readPages = r }
}

// RuleExtractor recovers document structure with text heuristics: a
// line-based section scan, a references-marker citation harvest, and
// per-field summary lookups. It holds no per-call state and is safe for
// concurrent use.
type RuleExtractor struct {
	config    *Config
	logger    *slog.Logger
	readPages PageReader
}

// NewRuleExtractor creates the heuristic extractor. A nil config uses
// defaults.
func NewRuleExtractor(config *Config, logger *slog.Logger, opts ...Option) *RuleExtractor {
	if config == nil {
		config = DefaultConfig()
	}
	normalizeExtractConfig(config)

	if logger == nil {
		logger = slog.Default()
	}

	e := &RuleExtractor{
		config: config,
		logger: logger.With("component", "rule-extractor"),
	}
	e.readPages = e.pdfPages

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Extract parses the PDF at localPath. A document without extractable
// text yields an empty Document, not an error; an unreadable file yields
// a classified extraction error.
func (e *RuleExtractor) Extract(ctx context.Context, localPath string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, docerr.Wrap(docerr.KindExtraction, "extract", err, "extraction canceled for %s", localPath)
	}

	pages, err := e.readPages(localPath)
	if err != nil {
		return nil, docerr.Wrap(docerr.KindExtraction, "extract", err, "read pages of %s", localPath)
	}

	doc := &Document{
		Path:      localPath,
		PageCount: len(pages),
		Sections:  e.parseSections(pages),
		Citations: e.harvestCitations(pages),
	}
	if e.config.KeepPageText {
		doc.Pages = pages
	}
	doc.Summary = e.buildSummary(pages, doc.Sections)

	e.logger.Debug("Extracted document structure",
		"path", localPath,
		"pages", doc.PageCount,
		"sections", len(doc.Sections),
		"citations", len(doc.Citations),
	)

	return doc, nil
}

// pdfPages reads per-page text with the PDF library. Pages whose text
// cannot be decoded stay in the result with empty text so numbering and
// the page count survive.
func (e *RuleExtractor) pdfPages(path string) (pages []Page, err error) {
	// The PDF parser panics on some malformed cross-reference tables;
	// a bad download must surface as an error, not kill the worker.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat PDF: %w", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	pageCount := reader.NumPage()
	pages = make([]Page, 0, pageCount)
	fonts := make(map[string]*pdf.Font)

	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}

		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}

		text, err := page.GetPlainText(fonts)
		if err != nil {
			e.logger.Warn("Failed to extract text from page", "path", path, "page", i, "error", err)
			pages = append(pages, Page{Number: i})
			continue
		}

		pages = append(pages, Page{Number: i, Text: text})
	}

	return pages, nil
}

// parseSections walks the page texts line by line: a heading opens a new
// section, everything else accumulates into the current one together
// with its page span.
func (e *RuleExtractor) parseSections(pages []Page) []Section {
	var sections []Section
	var current *Section

	for _, page := range pages {
		for _, line := range strings.Split(page.Text, "\n") {
			line = strings.TrimSpace(line)

			if e.isSectionTitle(line) {
				if current != nil {
					sections = append(sections, *current)
				}
				current = &Section{
					Title:     line,
					StartPage: page.Number,
					EndPage:   page.Number,
				}
				continue
			}

			if current != nil && line != "" {
				current.Content += line + "\n"
				current.EndPage = page.Number
			}
		}
	}

	if current != nil {
		sections = append(sections, *current)
	}

	return sections
}

// isSectionTitle reports whether a line reads as a section heading: it
// must be short, and either set in capitals or one of the well-known
// paper headings after numbering is stripped.
func (e *RuleExtractor) isSectionTitle(line string) bool {
	if line == "" || len(line) > e.config.MaxTitleLength {
		return false
	}

	if len(line) > 3 && isAllCaps(line) {
		return true
	}

	return wellKnownHeadings[normalizeHeading(line)]
}

// isAllCaps reports whether s contains at least one letter and no
// lowercase letters.
func isAllCaps(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

// normalizeHeading lowers the case and strips the decoration headings
// carry in print: leading numbering like "3." or "2.1", and a trailing
// colon or period.
func normalizeHeading(line string) string {
	s := strings.ToLower(strings.TrimSpace(line))
	s = strings.TrimLeft(s, "0123456789.)- ")
	s = strings.TrimRight(s, ":. ")
	return s
}

// harvestCitations collects reference lines: everything after a
// references or bibliography marker that looks like a citation.
func (e *RuleExtractor) harvestCitations(pages []Page) []string {
	var citations []string
	inReferences := false

	for _, page := range pages {
		for _, line := range strings.Split(page.Text, "\n") {
			line = strings.TrimSpace(line)

			lower := strings.ToLower(line)
			if strings.HasPrefix(lower, "references") || strings.HasPrefix(lower, "bibliography") {
				inReferences = true
				continue
			}

			if inReferences && looksLikeCitation(line) {
				citations = append(citations, line)
			}
		}
	}

	return citations
}

// looksLikeCitation applies the minimal shape test for a reference
// line: a leading number or bracket, or a comma in a long enough line.
func looksLikeCitation(line string) bool {
	if line == "" {
		return false
	}
	c := line[0]
	if (c >= '0' && c <= '9') || c == '[' || c == '(' {
		return true
	}
	return strings.Contains(line, ",") && len(line) > 20
}

// buildSummary assembles per-field key information: the title and author
// list from the head of page one, the remaining fields from the first
// section whose title matches each keyword.
func (e *RuleExtractor) buildSummary(pages []Page, sections []Section) Summary {
	summary := Summary{
		Abstract:    e.findSection(sections, "abstract"),
		Methodology: e.findSection(sections, "method"),
		Results:     e.findSection(sections, "results"),
		Conclusion:  e.findSection(sections, "conclusion"),
	}

	if len(pages) == 0 {
		return summary
	}

	lines := strings.Split(pages[0].Text, "\n")
	titleIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			summary.Title = strings.TrimSpace(line)
			titleIdx = i
			break
		}
	}

	if titleIdx >= 0 {
		for _, line := range lines[titleIdx+1:] {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			summary.Authors = splitAuthors(line)
			break
		}
	}

	return summary
}

// findSection returns the first FieldLimit characters of the first
// section whose title contains keyword, or "".
func (e *RuleExtractor) findSection(sections []Section, keyword string) string {
	for _, section := range sections {
		if strings.Contains(strings.ToLower(section.Title), keyword) {
			content := section.Content
			if len(content) > e.config.FieldLimit {
				content = content[:e.config.FieldLimit]
			}
			return strings.TrimSpace(content)
		}
	}
	return ""
}

// splitAuthors parses a byline when it plausibly is one. Lines with
// digits or URLs are affiliations and footers, not author lists.
func splitAuthors(line string) []string {
	if len(line) > 200 || strings.ContainsAny(line, "0123456789") || strings.Contains(line, "http") {
		return nil
	}

	line = strings.ReplaceAll(line, " and ", ",")
	parts := strings.Split(line, ",")

	var authors []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			authors = append(authors, part)
		}
	}
	if len(authors) == 1 && !strings.Contains(line, ",") {
		// A single token without separators is more likely a subtitle.
		return nil
	}
	return authors
}
