package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/claimledger/internal/extract"
	"github.com/ppiankov/claimledger/internal/fetch"
	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
)

// Document validity values
const (
	ValidityValid   = "valid"
	ValidityInvalid = "invalid"
	ValidityError   = "error"
	ValidityUnknown = "unknown"
)

// Document fetches the claim's supporting documents and extracts their text
type Document struct {
	fetcher   *fetch.Fetcher
	extractor *extract.Extractor
	workers   int
	logger    *zap.Logger
}

// NewDocument creates the document stage
func NewDocument(f *fetch.Fetcher, logger *zap.Logger) *Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Document{
		fetcher:   f,
		extractor: extract.NewExtractor(),
		workers:   4,
		logger:    logger,
	}
}

func (d *Document) Name() string { return model.StageDocument }

type documentResult struct {
	url         string
	contentType string
	text        string
	amounts     []string
	unsupported bool
	err         error
}

func (d *Document) Process(ctx context.Context, st *pipeline.State) model.Report {
	urls := st.Request.DocumentURLs
	if len(urls) == 0 {
		return newReport(model.StageDocument, 0.5, "no documents provided",
			model.DocumentFindings{Validity: ValidityUnknown})
	}

	results := make([]documentResult, len(urls))
	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = d.read(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	findings := model.DocumentFindings{Documents: len(urls)}
	var amounts []string
	var firstErr *documentResult
	for i := range results {
		r := &results[i]
		switch {
		case r.err != nil:
			d.logger.Warn("document unavailable",
				zap.String("claim_id", st.Request.ID), zap.String("url", r.url), zap.Error(r.err))
			if firstErr == nil {
				firstErr = r
			}
		case r.unsupported:
			findings.Unsupported = append(findings.Unsupported, r.url)
		case r.text != "":
			findings.TextExtracted = append(findings.TextExtracted, r.text)
		}
		amounts = append(amounts, r.amounts...)
	}
	findings.AmountsFound = uniq(amounts)

	if firstErr != nil {
		findings.Validity = ValidityError
		findings.Error = firstErr.err.Error()
		findings.FileType = firstErr.contentType
		return newReport(model.StageDocument, 0.4,
			fmt.Sprintf("%d of %d documents could not be read", countErrors(results), len(urls)), findings)
	}

	switch {
	case len(findings.TextExtracted) > 0:
		findings.Validity = ValidityValid
	case len(findings.Unsupported) > 0:
		findings.Validity = ValidityUnknown
	default:
		findings.Validity = ValidityInvalid
	}
	summary := fmt.Sprintf("%d documents, %d readable, %d amounts found",
		len(urls), len(findings.TextExtracted), len(findings.AmountsFound))
	return newReport(model.StageDocument, 0.9, summary, findings)
}

func (d *Document) read(ctx context.Context, rawURL string) documentResult {
	res := documentResult{url: rawURL, contentType: "unknown"}

	doc, err := d.fetcher.FetchWithRetry(ctx, rawURL)
	if err != nil {
		res.err = err
		return res
	}
	res.contentType = doc.ContentType

	var x extract.Extraction
	switch {
	case doc.IsHTML():
		x, err = d.extractor.ExtractHTML(string(doc.Body), doc.FinalURL)
		if err != nil {
			res.err = fmt.Errorf("parse %s: %w", rawURL, err)
			return res
		}
	case doc.IsText(), doc.ContentType == "application/json":
		x = d.extractor.ExtractText(string(doc.Body))
	default:
		// PDF scans and photos of documents need OCR
		res.unsupported = true
		return res
	}

	res.text = x.Text
	if x.Title != "" && !strings.HasPrefix(x.Text, x.Title) {
		res.text = x.Title + ": " + x.Text
	}
	res.amounts = x.Amounts
	return res
}

func countErrors(results []documentResult) int {
	n := 0
	for _, r := range results {
		if r.err != nil {
			n++
		}
	}
	return n
}

func uniq(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
