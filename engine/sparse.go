package engine

import (
	"context"
	"io"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// BM25 parameters.
const (
	bm25K1 = 1.6
	bm25B  = 0.75
)

var tokenRegex = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

// A compact English stop-word list; enough to keep common function words out
// of the postings without dragging in a language-processing dependency.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"he": {}, "her": {}, "his": {}, "if": {}, "in": {}, "into": {},
	"is": {}, "it": {}, "its": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "she": {}, "such": {}, "that": {}, "the": {},
	"their": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// Sparse is a BM25 lexical engine. Chunk texts are retained in insertion
// order; ties in score resolve to the earlier chunk.
type Sparse struct {
	topK          int
	dropStopWords bool

	mu       sync.RWMutex
	texts    []string
	postings map[string]map[int]int
	docFreq  map[string]int
	docLen   []int
	totalLen int
}

// NewSparse creates a BM25 engine returning up to topK chunks per query.
func NewSparse(topK int, dropStopWords bool) *Sparse {
	s := &Sparse{topK: topK, dropStopWords: dropStopWords}
	s.Reset()
	return s
}

// Index tokenizes and indexes the chunks, replacing previous state.
func (s *Sparse) Index(_ context.Context, chunks []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	for _, chunk := range chunks {
		s.addLocked(chunk)
	}
	return nil
}

func (s *Sparse) addLocked(text string) {
	idx := len(s.texts)
	s.texts = append(s.texts, text)

	terms := s.tokenize(text)
	s.docLen = append(s.docLen, len(terms))
	s.totalLen += len(terms)

	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if _, ok := s.postings[term]; !ok {
			s.postings[term] = make(map[int]int)
		}
		s.postings[term][idx]++
		if _, dup := seen[term]; !dup {
			s.docFreq[term]++
			seen[term] = struct{}{}
		}
	}
}

// Retrieve scores every indexed chunk with BM25 and returns the top-k texts
// with positive scores, best first.
func (s *Sparse) Retrieve(_ context.Context, query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.texts) == 0 {
		return nil, nil
	}
	terms := uniqueTerms(s.tokenize(query))
	if len(terms) == 0 {
		return nil, nil
	}

	scores := s.scoreLocked(terms)
	type hit struct {
		idx   int
		score float64
	}
	hits := make([]hit, 0, len(scores))
	for idx, score := range scores {
		if score > 0 {
			hits = append(hits, hit{idx, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].idx < hits[j].idx
	})
	if s.topK > 0 && len(hits) > s.topK {
		hits = hits[:s.topK]
	}

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = s.texts[h.idx]
	}
	return out, nil
}

func (s *Sparse) scoreLocked(terms []string) map[int]float64 {
	avgLen := float64(s.totalLen) / float64(len(s.texts))
	scores := make(map[int]float64)
	for _, term := range terms {
		posting := s.postings[term]
		if len(posting) == 0 {
			continue
		}
		idf := bm25IDF(len(s.texts), s.docFreq[term])
		for idx, tf := range posting {
			docLen := float64(s.docLen[idx])
			num := float64(tf) * (bm25K1 + 1)
			den := float64(tf) + bm25K1*(1-bm25B+bm25B*(docLen/avgLen))
			scores[idx] += idf * (num / den)
		}
	}
	return scores
}

func bm25IDF(docCount, docFreq int) float64 {
	n := float64(docCount)
	df := float64(docFreq)
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// Reset drops all state.
func (s *Sparse) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Sparse) resetLocked() {
	s.texts = nil
	s.postings = make(map[string]map[int]int)
	s.docFreq = make(map[string]int)
	s.docLen = nil
	s.totalLen = 0
}

// Len reports the number of indexed chunks.
func (s *Sparse) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.texts)
}

type sparseState struct {
	Texts         []string
	DropStopWords bool
}

// Save persists the chunk texts; BM25 statistics are deterministic and are
// rebuilt on Load.
func (s *Sparse) Save(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return writeState(w, sparseState{Texts: s.texts, DropStopWords: s.dropStopWords})
}

// Load restores state written by Save.
func (s *Sparse) Load(r io.Reader) error {
	var st sparseState
	if err := readState(r, &st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropStopWords = st.DropStopWords
	s.resetLocked()
	for _, text := range st.Texts {
		s.addLocked(text)
	}
	return nil
}

func (s *Sparse) tokenize(text string) []string {
	matches := tokenRegex.FindAllString(strings.ToLower(text), -1)
	if !s.dropStopWords {
		return matches
	}
	out := matches[:0]
	for _, tok := range matches {
		if _, stop := stopWords[tok]; !stop {
			out = append(out, tok)
		}
	}
	return out
}

func uniqueTerms(tokens []string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

var _ Engine = (*Sparse)(nil)
