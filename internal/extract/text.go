// Package extract pulls readable text and claim-relevant facts out of
// fetched evidence documents.
package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Extraction is what a document yields for assessment
type Extraction struct {
	Title string
	Text  string
	// KeySentences mention invoices, totals, incidents and similar facts
	KeySentences []string
	Amounts      []string
	Dates        []string
	// Attachments are linked files (PDFs, images) resolved against the source
	Attachments []string
}

// maxText bounds the extracted text kept per document
const maxText = 4000

var (
	amountPattern = regexp.MustCompile(`(?:[$€£]\s?\d[\d,]*(?:\.\d{2})?|\b\d[\d,]*(?:\.\d{2})?\s?(?:USD|EUR|GBP|dollars)\b)`)
	datePattern   = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
)

// Extractor finds claim facts in document text
type Extractor struct {
	keywords []string
}

// NewExtractor creates a new extractor
func NewExtractor() *Extractor {
	return &Extractor{
		keywords: []string{
			"invoice", "receipt", "total", "amount due", "estimate", "repair",
			"replacement", "damage", "incident", "accident", "police report",
			"policy number", "diagnosis", "treatment", "date of loss",
		},
	}
}

// ExtractHTML extracts facts from an HTML document fetched from sourceURL
func (e *Extractor) ExtractHTML(htmlContent, sourceURL string) (Extraction, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return Extraction{}, err
	}

	x := e.fromText(visibleText(doc))
	x.Title = title(doc)
	x.Attachments = attachments(doc, sourceURL)
	return x, nil
}

// ExtractText extracts facts from plain text
func (e *Extractor) ExtractText(text string) Extraction {
	return e.fromText(strings.Join(strings.Fields(text), " "))
}

func (e *Extractor) fromText(text string) Extraction {
	x := Extraction{
		Text:    truncate(text, maxText),
		Amounts: dedupe(amountPattern.FindAllString(text, -1)),
		Dates:   dedupe(datePattern.FindAllString(text, -1)),
	}

	for _, sentence := range splitSentences(text) {
		lower := strings.ToLower(sentence)
		for _, keyword := range e.keywords {
			if strings.Contains(lower, keyword) {
				x.KeySentences = append(x.KeySentences, sentence)
				break // Only match once per sentence
			}
		}
	}
	x.KeySentences = dedupe(x.KeySentences)
	return x
}

// visibleText extracts text nodes from HTML, skipping scripts/styles
func visibleText(n *html.Node) string {
	var buf strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe", "head":
				return
			}
		}

		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				buf.WriteString(text)
				buf.WriteString(" ")
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)
	return strings.TrimSpace(buf.String())
}

func title(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := title(c); t != "" {
			return t
		}
	}
	return ""
}

// splitSentences splits text into sentences (simple heuristic)
func splitSentences(text string) []string {
	text = strings.ReplaceAll(text, "\n", " ")

	var sentences []string
	var current strings.Builder

	flush := func() {
		sentence := strings.TrimSpace(current.String())
		if len(sentence) >= 15 && len(sentence) <= 500 {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	for i, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// Look ahead to avoid splitting on decimals and abbreviations
			if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\t') {
				flush()
			}
		}
	}
	if current.Len() > 0 {
		flush()
	}

	return sentences
}

func dedupe(items []string) []string {
	seen := make(map[string]bool)
	var unique []string
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item))
		if !seen[key] {
			seen[key] = true
			unique = append(unique, strings.TrimSpace(item))
		}
	}
	return unique
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
