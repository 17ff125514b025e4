package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ragreader/ragreader/errors"
)

const samplePage = `<html>
<head><title>t</title><style>p { color: red }</style></head>
<body>
<nav>Home | About</nav>
<script>console.log("tracking")</script>
<h1>BM25 Explained</h1>
<p>BM25   ranks documents by term
frequency.</p>


<p>It normalizes by document length.</p>
<footer>copyright</footer>
</body></html>`

func TestLoadURLStripsBoilerplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	l := NewDataLoader(t.TempDir(), time.Second)
	docID := uuid.New()
	res, err := l.LoadURL(context.Background(), "alice", docID, srv.URL)
	require.NoError(t, err)

	require.NotContains(t, res.Text, "console.log")
	require.NotContains(t, res.Text, "color: red")
	require.NotContains(t, res.Text, "Home | About")
	require.NotContains(t, res.Text, "copyright")
	require.Contains(t, res.Text, "BM25 Explained")
	require.Contains(t, res.Text, "BM25 ranks documents by term")

	require.Contains(t, res.SourcePath, filepath.Join("documents", "user_alice", docID.String()))
	require.FileExists(t, res.SourcePath)
	require.FileExists(t, res.TextPath)
}

func TestLoadURLRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	l := NewDataLoader(t.TempDir(), time.Second)
	_, err := l.LoadURL(context.Background(), "alice", uuid.New(), srv.URL)
	require.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestLoadFilePlainText(t *testing.T) {
	l := NewDataLoader(t.TempDir(), time.Second)
	docID := uuid.New()
	res, err := l.LoadFile(context.Background(), "alice", docID, "notes.txt",
		strings.NewReader("first   line\n\n\n\nsecond line\n"))
	require.NoError(t, err)
	require.Equal(t, "first line\nsecond line", res.Text)

	data, err := os.ReadFile(res.TextPath)
	require.NoError(t, err)
	require.Equal(t, res.Text, string(data))
}

func TestLoadFileRejectsUnknownExtension(t *testing.T) {
	l := NewDataLoader(t.TempDir(), time.Second)
	_, err := l.LoadFile(context.Background(), "alice", uuid.New(), "image.png",
		strings.NewReader("binary"))
	require.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestLoadFilePDFNeedsExtractor(t *testing.T) {
	l := NewDataLoader(t.TempDir(), time.Second)
	_, err := l.LoadFile(context.Background(), "alice", uuid.New(), "paper.pdf",
		strings.NewReader("%PDF-1.7"))
	require.ErrorIs(t, err, errors.ErrInvalidInput)
}

type staticPDF struct{ text string }

func (p staticPDF) Extract(context.Context, string) (string, error) { return p.text, nil }

func TestLoadFilePDFUsesExtractor(t *testing.T) {
	l := NewDataLoader(t.TempDir(), time.Second, WithPDFExtractor(staticPDF{text: "pdf body"}))
	res, err := l.LoadFile(context.Background(), "alice", uuid.New(), "paper.pdf",
		strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	require.Equal(t, "pdf body", res.Text)
}

func TestLoadTextRejectsBlankInput(t *testing.T) {
	l := NewDataLoader(t.TempDir(), time.Second)
	_, err := l.LoadText(context.Background(), "alice", uuid.New(), "   \n\t\n ")
	require.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestCleanText(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a  b\tc", "a b c"},
		{"one\n\n\ntwo", "one\ntwo"},
		{"  padded  \n\n  lines  ", "padded\nlines"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CleanText(tc.in), "input %q", tc.in)
	}
}
