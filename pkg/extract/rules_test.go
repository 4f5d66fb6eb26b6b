package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/thc1006/paperstore/pkg/docerr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pagesFromTexts(texts ...string) []Page {
	pages := make([]Page, len(texts))
	for i, text := range texts {
		pages[i] = Page{Number: i + 1, Text: text}
	}
	return pages
}

func staticPages(pages []Page) PageReader {
	return func(string) ([]Page, error) { return pages, nil }
}

var _ = Describe("RuleExtractor", func() {
	var extractor *RuleExtractor

	newExtractor := func(pages []Page) *RuleExtractor {
		return NewRuleExtractor(nil, discardLogger(), WithPageReader(staticPages(pages)))
	}

	Describe("NewRuleExtractor", func() {
		It("applies defaults when no config is provided", func() {
			e := NewRuleExtractor(nil, discardLogger())
			Expect(e).NotTo(BeNil())
			Expect(e.config.MaxTitleLength).To(Equal(60))
			Expect(e.config.FieldLimit).To(Equal(1000))
		})

		It("normalizes zero values in a provided config", func() {
			e := NewRuleExtractor(&Config{}, discardLogger())
			Expect(e.config.MaxTitleLength).To(Equal(60))
		})
	})

	Describe("Extract", func() {
		Context("with a paper laid out in common sections", func() {
			BeforeEach(func() {
				extractor = newExtractor(pagesFromTexts(
					"Adaptive Cache Eviction Policies\n"+
						"Alice Smith, Bob Jones and Carol White\n"+
						"\n"+
						"ABSTRACT\n"+
						"We study cache eviction.\n"+
						"It is effective.\n"+
						"1. Introduction\n"+
						"Caches are everywhere.\n",
					"2. Methodology\n"+
						"We measure eviction latency.\n"+
						"Across three workloads.\n",
					"Results\n"+
						"Hit rates improved.\n"+
						"Conclusion\n"+
						"Eviction order matters.\n"+
						"References\n"+
						"[1] A. Author, Cache studies, 2019.\n"+
						"2 B. Author, More caches, 2020.\n"+
						"short\n"+
						"Smith et al, an unnumbered but plausible reference, 2021.\n",
				))
			})

			It("detects the expected sections with their page spans", func() {
				doc, err := extractor.Extract(context.Background(), "paper.pdf")
				Expect(err).ToNot(HaveOccurred())

				titles := make([]string, 0, len(doc.Sections))
				for _, s := range doc.Sections {
					titles = append(titles, s.Title)
				}
				Expect(titles).To(Equal([]string{
					"ABSTRACT", "1. Introduction", "2. Methodology", "Results", "Conclusion", "References",
				}))

				Expect(doc.Sections[0].StartPage).To(Equal(1))
				Expect(doc.Sections[0].EndPage).To(Equal(1))
				Expect(doc.Sections[0].Content).To(ContainSubstring("We study cache eviction."))
				Expect(doc.Sections[2].StartPage).To(Equal(2))
				Expect(doc.Sections[2].Content).To(ContainSubstring("eviction latency"))
			})

			It("harvests citation-shaped lines after the references marker", func() {
				doc, err := extractor.Extract(context.Background(), "paper.pdf")
				Expect(err).ToNot(HaveOccurred())

				Expect(doc.Citations).To(Equal([]string{
					"[1] A. Author, Cache studies, 2019.",
					"2 B. Author, More caches, 2020.",
					"Smith et al, an unnumbered but plausible reference, 2021.",
				}))
			})

			It("builds the summary from the title block and matching sections", func() {
				doc, err := extractor.Extract(context.Background(), "paper.pdf")
				Expect(err).ToNot(HaveOccurred())

				Expect(doc.Summary.Title).To(Equal("Adaptive Cache Eviction Policies"))
				Expect(doc.Summary.Authors).To(Equal([]string{"Alice Smith", "Bob Jones", "Carol White"}))
				Expect(doc.Summary.Abstract).To(ContainSubstring("We study cache eviction."))
				Expect(doc.Summary.Methodology).To(ContainSubstring("We measure eviction latency."))
				Expect(doc.Summary.Results).To(ContainSubstring("Hit rates improved."))
				Expect(doc.Summary.Conclusion).To(ContainSubstring("Eviction order matters."))
			})

			It("reports the page count and keeps page text", func() {
				doc, err := extractor.Extract(context.Background(), "paper.pdf")
				Expect(err).ToNot(HaveOccurred())
				Expect(doc.PageCount).To(Equal(3))
				Expect(doc.Pages).To(HaveLen(3))
				Expect(doc.Path).To(Equal("paper.pdf"))
			})
		})

		Context("when configured to drop page text", func() {
			It("omits pages but keeps the count", func() {
				cfg := DefaultConfig()
				cfg.KeepPageText = false
				e := NewRuleExtractor(cfg, discardLogger(),
					WithPageReader(staticPages(pagesFromTexts("Title\n", "More\n"))))

				doc, err := e.Extract(context.Background(), "paper.pdf")
				Expect(err).ToNot(HaveOccurred())
				Expect(doc.Pages).To(BeEmpty())
				Expect(doc.PageCount).To(Equal(2))
			})
		})

		Context("with a document that has no extractable text", func() {
			It("returns an empty document for zero pages", func() {
				doc, err := newExtractor(nil).Extract(context.Background(), "empty.pdf")
				Expect(err).ToNot(HaveOccurred())
				Expect(doc).NotTo(BeNil())
				Expect(doc.PageCount).To(BeZero())
				Expect(doc.Sections).To(BeEmpty())
				Expect(doc.Citations).To(BeEmpty())
				Expect(doc.Summary).To(Equal(Summary{}))
			})

			It("returns an empty document for text-free pages", func() {
				doc, err := newExtractor(pagesFromTexts("", "")).Extract(context.Background(), "scanned.pdf")
				Expect(err).ToNot(HaveOccurred())
				Expect(doc.PageCount).To(Equal(2))
				Expect(doc.Sections).To(BeEmpty())
				Expect(doc.Summary.Title).To(BeEmpty())
			})
		})

		Context("when the file cannot be parsed", func() {
			It("classifies a non-PDF file as an extraction failure", func() {
				path := filepath.Join(GinkgoT().TempDir(), "not-a-pdf.pdf")
				Expect(os.WriteFile(path, []byte("<html>definitely not a pdf</html>"), 0o644)).To(Succeed())

				e := NewRuleExtractor(nil, discardLogger())
				doc, err := e.Extract(context.Background(), path)
				Expect(err).To(HaveOccurred())
				Expect(doc).To(BeNil())
				Expect(docerr.KindOf(err)).To(Equal(docerr.KindExtraction))
			})

			It("classifies a missing file as an extraction failure", func() {
				e := NewRuleExtractor(nil, discardLogger())
				_, err := e.Extract(context.Background(), filepath.Join(GinkgoT().TempDir(), "gone.pdf"))
				Expect(err).To(HaveOccurred())
				Expect(docerr.KindOf(err)).To(Equal(docerr.KindExtraction))
			})

			It("propagates an injected reader failure, classified", func() {
				e := NewRuleExtractor(nil, discardLogger(), WithPageReader(func(string) ([]Page, error) {
					return nil, errors.New("decoder exploded")
				}))
				_, err := e.Extract(context.Background(), "whatever.pdf")
				Expect(err).To(HaveOccurred())
				Expect(docerr.KindOf(err)).To(Equal(docerr.KindExtraction))
				Expect(err.Error()).To(ContainSubstring("decoder exploded"))
			})
		})

		Context("with a canceled context", func() {
			It("fails before reading anything", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				called := false
				e := NewRuleExtractor(nil, discardLogger(), WithPageReader(func(string) ([]Page, error) {
					called = true
					return nil, nil
				}))

				_, err := e.Extract(ctx, "paper.pdf")
				Expect(err).To(HaveOccurred())
				Expect(docerr.KindOf(err)).To(Equal(docerr.KindExtraction))
				Expect(called).To(BeFalse())
			})
		})
	})

	Describe("section title detection", func() {
		var e *RuleExtractor

		BeforeEach(func() {
			e = NewRuleExtractor(nil, discardLogger())
		})

		DescribeTable("isSectionTitle",
			func(line string, expected bool) {
				Expect(e.isSectionTitle(line)).To(Equal(expected))
			},
			Entry("all-caps heading", "EXPERIMENTAL SETUP", true),
			Entry("well-known heading", "Introduction", true),
			Entry("numbered well-known heading", "3. Results", true),
			Entry("well-known heading with colon", "Abstract:", true),
			Entry("related work", "Related Work", true),
			Entry("short all-caps token", "IV", false),
			Entry("empty line", "", false),
			Entry("body sentence mentioning a heading word", "The methodology we use relies on caching", false),
			Entry("overlong line", strings.Repeat("A", 61), false),
		)
	})

	Describe("citation harvest", func() {
		It("ignores citation-shaped lines before the references marker", func() {
			e := newExtractor(pagesFromTexts(
				"Introduction\n" +
					"[3] this bracketed aside is body text, not a reference.\n" +
					"Bibliography\n" +
					"[1] Real Reference, Somewhere, 2020.\n",
			))

			doc, err := e.Extract(context.Background(), "paper.pdf")
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Citations).To(Equal([]string{"[1] Real Reference, Somewhere, 2020."}))
		})
	})

	Describe("author line parsing", func() {
		DescribeTable("splitAuthors",
			func(line string, expected []string) {
				Expect(splitAuthors(line)).To(Equal(expected))
			},
			Entry("comma separated", "Ada Lovelace, Alan Turing", []string{"Ada Lovelace", "Alan Turing"}),
			Entry("and separator", "Ada Lovelace and Alan Turing", []string{"Ada Lovelace", "Alan Turing"}),
			Entry("affiliation with digits", "Department 42, University", nil),
			Entry("url footer", "available at http://example.org, mirrors", nil),
			Entry("subtitle without separators", "A Longitudinal Study", nil),
		)
	})
})
