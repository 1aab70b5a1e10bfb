// Package splitter turns document content into an ordered sequence of
// chunks carrying a heading breadcrumb, the way the teacher's smart chunker
// picks a strategy by content shape except here the strategy is an explicit
// caller choice rather than a file-extension guess.
package splitter

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Strategy selects one of the three splitting algorithms.
type Strategy string

const (
	StrategyMarkdownHeadings Strategy = "markdown_headings"
	StrategyFixedSize        Strategy = "fixed_size"
	StrategySentence         Strategy = "sentence"
)

// Options configures a Split call. Zero values resolve to each strategy's
// documented defaults.
type Options struct {
	Strategy   Strategy
	BaseName   string
	ChunkSize  int // fixed_size only, default 500
	Overlap    int // fixed_size only, default 50
	MinLen     int // sentence only, default 10; not applied (every strategy drops chunks under 10 chars)
	MaxLen     int // sentence only, default 500
}

const (
	defaultChunkSize = 500
	defaultOverlap   = 50
	defaultMinLen    = 10
	defaultMaxLen    = 500
	minChunkContent  = 10
	maxChunkContent  = 50000
	snapWindow       = 30
)

// sentenceEnders is the punctuation set a sentence boundary ends on,
// covering ASCII and the CJK full-width equivalents.
var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '…': true,
	'」': true, '』': true, '】': true, '）': true,
}

// Chunk is one split segment before it is assigned a pointId by the caller.
type Chunk struct {
	Index       int
	Content     string
	Title       string
	TitleChain  []string
	StartOffset int
	EndOffset   int
}

// heading is one scanned ATX or Setext header event.
type heading struct {
	offset int
	level  int
	text   string
}

var (
	atxPattern     = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t]*$`)
	setextH1       = regexp.MustCompile(`(?m)^([^\n]+)\n=+[ \t]*$`)
	setextH2       = regexp.MustCompile(`(?m)^([^\n]+)\n-+[ \t]*$`)
)

// normalize collapses CRLF and lone CR to LF. All downstream offset math
// operates on this string, never the raw input, so titleChain lookups never
// drift against chunk boundaries when the source used CRLF line endings.
func normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	return norm.NFC.String(content)
}

// scanHeadings finds every ATX and Setext heading in content, sorted by
// offset.
func scanHeadings(content string) []heading {
	var out []heading
	for _, m := range atxPattern.FindAllStringSubmatchIndex(content, -1) {
		level := m[3] - m[2]
		out = append(out, heading{offset: m[0], level: level, text: strings.TrimSpace(content[m[4]:m[5]])})
	}
	for _, m := range setextH1.FindAllStringSubmatchIndex(content, -1) {
		out = append(out, heading{offset: m[0], level: 1, text: strings.TrimSpace(content[m[2]:m[3]])})
	}
	for _, m := range setextH2.FindAllStringSubmatchIndex(content, -1) {
		out = append(out, heading{offset: m[0], level: 2, text: strings.TrimSpace(content[m[2]:m[3]])})
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].offset < out[j-1].offset; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// titleStackTracker replays heading events in offset order and reports the
// stack in effect at any queried offset.
type titleStackTracker struct {
	headings []heading
	pos      int
	stack    []string
}

func newTitleStackTracker(headings []heading) *titleStackTracker {
	return &titleStackTracker{headings: headings}
}

// stackAt advances the tracker to offset and returns a copy of the stack.
func (t *titleStackTracker) stackAt(offset int) []string {
	for t.pos < len(t.headings) && t.headings[t.pos].offset <= offset {
		h := t.headings[t.pos]
		if h.level-1 < len(t.stack) {
			t.stack = t.stack[:h.level-1]
		}
		t.stack = append(t.stack, h.text)
		t.pos++
	}
	out := make([]string, len(t.stack))
	copy(out, t.stack)
	return out
}

func titleChain(baseName string, stack []string) []string {
	chain := make([]string, 0, len(stack)+1)
	if baseName != "" {
		chain = append(chain, baseName)
	}
	chain = append(chain, stack...)
	return chain
}

// Split runs the requested strategy against content and returns chunks in
// reading order with dense 0-based indices.
func Split(content string, opts Options) []Chunk {
	content = normalize(content)
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	switch opts.Strategy {
	case StrategyFixedSize:
		return splitFixedSize(content, opts)
	case StrategySentence:
		return splitSentence(content, opts)
	default:
		return splitMarkdownHeadings(content, opts)
	}
}

// splitMarkdownHeadings opens a new chunk at every heading, spanning up to
// (but not including) the next one. Content before the first heading, if
// any, becomes chunk 0 with whatever title stack is empty at that point.
func splitMarkdownHeadings(content string, opts Options) []Chunk {
	headings := scanHeadings(content)
	tracker := newTitleStackTracker(headings)

	if len(headings) == 0 {
		return finalizeChunks([]rawSpan{{start: 0, end: len(content)}}, content, opts.BaseName, tracker)
	}

	var spans []rawSpan
	if headings[0].offset > 0 {
		spans = append(spans, rawSpan{start: 0, end: headings[0].offset})
	}
	for i, h := range headings {
		end := len(content)
		if i+1 < len(headings) {
			end = headings[i+1].offset
		}
		spans = append(spans, rawSpan{start: h.offset, end: end})
	}
	return finalizeChunks(spans, content, opts.BaseName, tracker)
}

type rawSpan struct {
	start, end int
}

func finalizeChunks(spans []rawSpan, content, baseName string, tracker *titleStackTracker) []Chunk {
	var out []Chunk
	for _, sp := range spans {
		text := strings.TrimSpace(content[sp.start:sp.end])
		text = clampLen(text)
		if len(text) < minChunkContent {
			continue
		}
		stack := tracker.stackAt(sp.start)
		var title string
		if len(stack) > 0 {
			title = stack[len(stack)-1]
		}
		out = append(out, Chunk{
			Index:       len(out),
			Content:     text,
			Title:       title,
			TitleChain:  titleChain(baseName, stack),
			StartOffset: sp.start,
			EndOffset:   sp.end,
		})
	}
	return out
}

func clampLen(s string) string {
	if len(s) <= maxChunkContent {
		return s
	}
	return strings.TrimSpace(s[:maxChunkContent])
}

// splitFixedSize slides a chunkSize-overlap window across content, snapping
// each hard cut to the nearest sentence ending or whitespace within a
// snapWindow-char radius, but never crossing back past start+1.
func splitFixedSize(content string, opts Options) []Chunk {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	overlap := opts.Overlap
	if overlap < 0 || overlap >= chunkSize {
		overlap = defaultOverlap
	}

	headings := scanHeadings(content)
	tracker := newTitleStackTracker(headings)

	var spans []rawSpan
	start := 0
	n := len(content)
	for start < n {
		end := start + chunkSize
		if end >= n {
			end = n
		} else {
			end = snapCut(content, start, end)
		}
		if end <= start {
			end = start + 1
		}
		spans = append(spans, rawSpan{start: start, end: end})

		advance := (end - start) - overlap
		if advance <= 0 {
			advance = end - start
		}
		start += advance
	}
	return finalizeChunks(spans, content, opts.BaseName, tracker)
}

// snapCut looks within snapWindow characters on either side of a hard cut
// for a sentence ending or whitespace, preferring the latest such point at
// or before the cut so chunks never grow unboundedly.
func snapCut(content string, start, cut int) int {
	n := len(content)
	lo := cut - snapWindow
	if lo < start+1 {
		lo = start + 1
	}
	hi := cut + snapWindow
	if hi > n {
		hi = n
	}

	for i := cut; i > lo; i-- {
		r, size := decodeRuneAt(content, i-1)
		if sentenceEnders[r] {
			return i
		}
		_ = size
	}
	for i := cut; i < hi; i++ {
		if content[i] == ' ' || content[i] == '\n' || content[i] == '\t' {
			return i
		}
	}
	return cut
}

func decodeRuneAt(s string, byteOffset int) (rune, int) {
	if byteOffset < 0 || byteOffset >= len(s) {
		return 0, 0
	}
	r, size := utf8.DecodeRuneInString(s[byteOffset:])
	return r, size
}

// splitSentence accumulates sentence-bounded runs until maxLen would be
// exceeded, then flushes. A trailing unterminated run is emitted if
// non-empty.
func splitSentence(content string, opts Options) []Chunk {
	minLen := opts.MinLen
	if minLen <= 0 {
		minLen = defaultMinLen
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}

	headings := scanHeadings(content)
	tracker := newTitleStackTracker(headings)

	sentences := scanSentences(content)

	var spans []rawSpan
	if len(sentences) == 0 {
		return finalizeChunks([]rawSpan{{start: 0, end: len(content)}}, content, opts.BaseName, tracker)
	}

	curStart := sentences[0].start
	curEnd := sentences[0].start
	for _, s := range sentences {
		candidateLen := s.end - curStart
		if candidateLen > maxLen && curEnd > curStart {
			spans = append(spans, rawSpan{start: curStart, end: curEnd})
			curStart = s.start
		}
		curEnd = s.end
	}
	if curEnd > curStart {
		spans = append(spans, rawSpan{start: curStart, end: curEnd})
	}
	_ = minLen

	return finalizeChunks(spans, content, opts.BaseName, tracker)
}

type sentenceSpan struct {
	start, end int
}

// scanSentences walks content rune by rune, closing a sentence at the first
// sentence-ending punctuation rune.
func scanSentences(content string) []sentenceSpan {
	var out []sentenceSpan
	start := 0
	i := 0
	for i < len(content) {
		r, size := utf8.DecodeRuneInString(content[i:])
		i += size
		if sentenceEnders[r] {
			out = append(out, sentenceSpan{start: start, end: i})
			start = i
		}
	}
	if start < len(content) {
		out = append(out, sentenceSpan{start: start, end: len(content)})
	}
	return out
}

// ContentHash returns the SHA-256 hex digest of a chunk's content, the value
// stored as chunks.content_hash.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
