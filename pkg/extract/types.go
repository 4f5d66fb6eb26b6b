package extract

// Page is the text of one PDF page. Pages keep their 1-based position
// even when no text could be recovered from them.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Section is one coarse document section with the page span it covers.
type Section struct {
	Title     string `json:"title"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
	Content   string `json:"content"`
}

// Summary holds the key information recovered from a paper. Fields are
// empty when the corresponding section could not be found.
type Summary struct {
	Title       string   `json:"title,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Abstract    string   `json:"abstract,omitempty"`
	Methodology string   `json:"methodology,omitempty"`
	Results     string   `json:"results,omitempty"`
	Conclusion  string   `json:"conclusion,omitempty"`
}

// Document is the parsed structure of one local PDF file.
type Document struct {
	Path      string    `json:"path"`
	PageCount int       `json:"page_count"`
	Pages     []Page    `json:"pages,omitempty"`
	Sections  []Section `json:"sections,omitempty"`
	Citations []string  `json:"citations,omitempty"`
	Summary   Summary   `json:"summary"`
}
