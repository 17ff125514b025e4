// Package ingest turns uploads, URLs, and raw text into cleaned document
// text persisted under the media root.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/pkg/logging"
)

// PDFExtractor extracts plain text from a PDF file on disk. PDF parsing is
// pluggable; the loader works without one and rejects PDFs in that case.
type PDFExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Result describes one ingested document on disk.
type Result struct {
	// SourcePath is the persisted original (upload or fetched HTML); empty
	// for raw text inserts.
	SourcePath string
	// TextPath is the cleaned extracted text file.
	TextPath string
	// Text is the cleaned content.
	Text string
}

// Option configures a DataLoader.
type Option func(*DataLoader)

// WithPDFExtractor plugs in PDF support.
func WithPDFExtractor(pdf PDFExtractor) Option {
	return func(l *DataLoader) { l.pdf = pdf }
}

// WithHTTPClient overrides the fetch client; used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(l *DataLoader) { l.client = client }
}

// DataLoader persists document sources and extracted text under
// `<mediaRoot>/documents/user_<username>/<docID>/`.
type DataLoader struct {
	mediaRoot string
	client    *http.Client
	pdf       PDFExtractor
}

// NewDataLoader builds a loader rooted at mediaRoot with the given URL fetch
// timeout.
func NewDataLoader(mediaRoot string, fetchTimeout time.Duration, opts ...Option) *DataLoader {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	l := &DataLoader{
		mediaRoot: mediaRoot,
		client:    &http.Client{Timeout: fetchTimeout},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadFile persists an uploaded file and extracts its text. Supported inputs
// are plain text (.txt, .md) and, when an extractor is configured, .pdf.
func (l *DataLoader) LoadFile(ctx context.Context, username string, docID uuid.UUID, filename string, src io.Reader) (*Result, error) {
	dir, err := l.docDir(username, docID)
	if err != nil {
		return nil, err
	}

	sourcePath := filepath.Join(dir, filepath.Base(filename))
	if err := writeFile(sourcePath, src); err != nil {
		return nil, fmt.Errorf("persist upload: %w", err)
	}

	var text string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md":
		data, rerr := os.ReadFile(sourcePath)
		if rerr != nil {
			return nil, fmt.Errorf("read upload: %w", rerr)
		}
		text = string(data)
	case ".pdf":
		if l.pdf == nil {
			return nil, fmt.Errorf("%w: pdf extraction is not configured", errors.ErrInvalidInput)
		}
		text, err = l.pdf.Extract(ctx, sourcePath)
		if err != nil {
			return nil, fmt.Errorf("extract pdf: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", errors.ErrInvalidInput, filepath.Ext(filename))
	}

	return l.finish(dir, sourcePath, text)
}

// LoadURL fetches a page, strips boilerplate markup, and extracts its text.
func (l *DataLoader) LoadURL(ctx context.Context, username string, docID uuid.UUID, rawURL string) (*Result, error) {
	dir, err := l.docDir(username, docID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q", errors.ErrInvalidInput, rawURL)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %q returned %d", errors.ErrInvalidInput, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", rawURL, err)
	}

	sourcePath := filepath.Join(dir, "source.html")
	if err := os.WriteFile(sourcePath, body, 0o644); err != nil {
		return nil, fmt.Errorf("persist page: %w", err)
	}

	text, err := htmlToText(string(body))
	if err != nil {
		return nil, fmt.Errorf("extract %q: %w", rawURL, err)
	}
	logging.WithComponent("ingest").Debug("url extracted",
		"url", rawURL, "bytes", len(body), "chars", len(text))

	return l.finish(dir, sourcePath, text)
}

// LoadText persists a raw text insert.
func (l *DataLoader) LoadText(_ context.Context, username string, docID uuid.UUID, text string) (*Result, error) {
	dir, err := l.docDir(username, docID)
	if err != nil {
		return nil, err
	}
	return l.finish(dir, "", text)
}

// finish cleans the text, rejects empty results, and writes extracted.txt.
func (l *DataLoader) finish(dir, sourcePath, text string) (*Result, error) {
	cleaned := CleanText(text)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: no extractable text", errors.ErrInvalidInput)
	}
	textPath := filepath.Join(dir, "extracted.txt")
	if err := os.WriteFile(textPath, []byte(cleaned), 0o644); err != nil {
		return nil, fmt.Errorf("persist extracted text: %w", err)
	}
	return &Result{SourcePath: sourcePath, TextPath: textPath, Text: cleaned}, nil
}

func (l *DataLoader) docDir(username string, docID uuid.UUID) (string, error) {
	if username == "" {
		return "", fmt.Errorf("%w: username is required", errors.ErrInvalidInput)
	}
	dir := filepath.Join(l.mediaRoot, "documents", "user_"+username, docID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create document dir: %w", err)
	}
	return dir, nil
}

func writeFile(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var (
	spaceRuns = regexp.MustCompile(`[ \t]+`)
	lineRuns  = regexp.MustCompile(`\n{2,}`)
)

// CleanText normalizes extracted text: space and tab runs collapse to one
// space, blank-line runs to one newline, surrounding whitespace trimmed.
func CleanText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	out := strings.Join(lines, "\n")
	out = lineRuns.ReplaceAllString(out, "\n")
	return strings.TrimSpace(out)
}

// htmlToText strips boilerplate elements and flattens the remaining body to
// paragraph text.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script,style,nav,footer,header,noscript,iframe").Remove()

	var out []string
	doc.Find("h1,h2,h3,h4,p,li,pre,td,th").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	if len(out) == 0 {
		// Pages without semantic markup fall back to the whole body text.
		return strings.TrimSpace(doc.Find("body").Text()), nil
	}
	return strings.Join(out, "\n"), nil
}
