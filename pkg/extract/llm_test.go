package extract

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/thc1006/paperstore/pkg/docerr"
)

// fakeClient is an in-memory completion client.
type fakeClient struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeClient) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

var _ = Describe("LLMExtractor", func() {
	var (
		client *fakeClient
		pages  []Page
	)

	paperPages := func() []Page {
		return pagesFromTexts(
			"Streaming Joins at Scale\n" +
				"Dana Plain and Evan Quiet\n" +
				"Abstract\n" +
				"We join streams.\n" +
				"Methodology\n" +
				"We benchmark joins.\n" +
				"Conclusion\n" +
				"Joins can stream.\n",
		)
	}

	newLLMExtractor := func() *LLMExtractor {
		rules := NewRuleExtractor(nil, discardLogger(), WithPageReader(staticPages(pages)))
		return NewLLMExtractor(client, rules, nil, discardLogger())
	}

	BeforeEach(func() {
		client = &fakeClient{}
		pages = paperPages()
	})

	Context("when the model replies with all tags", func() {
		BeforeEach(func() {
			client.reply = `<response>
  <title>Streaming Joins at Scale, Revisited</title>
  <authors>Dana Plain; Evan Quiet; Faye Loud</authors>
  <abstract>Stream joins with bounded state.</abstract>
  <methodology>Benchmarks over three engines.</methodology>
  <results>Throughput doubled.</results>
  <conclusion>Bounded-state joins work.</conclusion>
</response>`
		})

		It("uses the model summary and keeps the rule-based structure", func() {
			doc, err := newLLMExtractor().Extract(context.Background(), "paper.pdf")
			Expect(err).ToNot(HaveOccurred())

			Expect(doc.Summary.Title).To(Equal("Streaming Joins at Scale, Revisited"))
			Expect(doc.Summary.Authors).To(Equal([]string{"Dana Plain", "Evan Quiet", "Faye Loud"}))
			Expect(doc.Summary.Abstract).To(Equal("Stream joins with bounded state."))
			Expect(doc.Summary.Results).To(Equal("Throughput doubled."))

			// Structure still comes from the rule pass.
			Expect(doc.Sections).NotTo(BeEmpty())
			Expect(doc.PageCount).To(Equal(1))
			Expect(client.calls()).To(Equal(1))
		})

		It("sends the section content in the prompt", func() {
			_, err := newLLMExtractor().Extract(context.Background(), "paper.pdf")
			Expect(err).ToNot(HaveOccurred())

			Expect(client.prompts).To(HaveLen(1))
			prompt := client.prompts[0]
			Expect(prompt).To(ContainSubstring("## Methodology"))
			Expect(prompt).To(ContainSubstring("We benchmark joins."))
			Expect(prompt).To(ContainSubstring("<title>"))
			Expect(prompt).To(ContainSubstring("</response>"))
		})
	})

	Context("when the model replies with some tags only", func() {
		It("merges parsed fields over the rule-based summary", func() {
			client.reply = "<title>A Better Title</title>"

			doc, err := newLLMExtractor().Extract(context.Background(), "paper.pdf")
			Expect(err).ToNot(HaveOccurred())

			Expect(doc.Summary.Title).To(Equal("A Better Title"))
			// Fields the model skipped keep the rule values.
			Expect(doc.Summary.Methodology).To(ContainSubstring("We benchmark joins."))
			Expect(doc.Summary.Conclusion).To(ContainSubstring("Joins can stream."))
		})
	})

	Context("when the completion fails", func() {
		It("falls back to the rule-based summary on a client error", func() {
			client.err = errors.New("llm unavailable")

			doc, err := newLLMExtractor().Extract(context.Background(), "paper.pdf")
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Summary.Title).To(Equal("Streaming Joins at Scale"))
			Expect(doc.Summary.Methodology).To(ContainSubstring("We benchmark joins."))
		})

		It("falls back when the reply has no tags", func() {
			client.reply = "Sorry, I cannot help with that."

			doc, err := newLLMExtractor().Extract(context.Background(), "paper.pdf")
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Summary.Title).To(Equal("Streaming Joins at Scale"))
		})
	})

	Context("when the rule pass itself fails", func() {
		It("propagates the classified error without calling the model", func() {
			rules := NewRuleExtractor(nil, discardLogger(), WithPageReader(func(string) ([]Page, error) {
				return nil, errors.New("unreadable")
			}))
			e := NewLLMExtractor(client, rules, nil, discardLogger())

			_, err := e.Extract(context.Background(), "paper.pdf")
			Expect(err).To(HaveOccurred())
			Expect(docerr.KindOf(err)).To(Equal(docerr.KindExtraction))
			Expect(client.calls()).To(BeZero())
		})
	})

	Context("when the document has no sections", func() {
		It("skips the model entirely", func() {
			pages = pagesFromTexts("just a flat page of text without headings\n")

			doc, err := newLLMExtractor().Extract(context.Background(), "paper.pdf")
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Sections).To(BeEmpty())
			Expect(client.calls()).To(BeZero())
		})
	})

	Describe("tag parsing", func() {
		It("trims whitespace inside tags", func() {
			summary, ok := parseTaggedSummary("<abstract>  padded  </abstract>")
			Expect(ok).To(BeTrue())
			Expect(summary.Abstract).To(Equal("padded"))
		})

		It("reports an unusable reply when nothing parses", func() {
			_, ok := parseTaggedSummary("<title>unterminated")
			Expect(ok).To(BeFalse())
		})

		It("drops empty author names", func() {
			summary, ok := parseTaggedSummary("<authors>One; ;Two;</authors>")
			Expect(ok).To(BeTrue())
			Expect(summary.Authors).To(Equal([]string{"One", "Two"}))
		})
	})
})
