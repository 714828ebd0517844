// Package ingest populates the passage store from external URLs. Pages are
// fetched, paragraph-like text is extracted, normalized to plain ASCII and
// split into race-sized passages on sentence boundaries.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	minPassageLen = 120
	maxPassageLen = 420
	fetchTimeout  = 15 * time.Second
	maxBodyBytes  = 4 << 20
)

// Inserter is the storage half of the ingester, satisfied by *store.Store.
type Inserter interface {
	InsertPassage(ctx context.Context, text, sourceURL string) (bool, error)
}

type Ingester struct {
	store  Inserter
	client *http.Client
	logger *zap.Logger
}

func New(store Inserter, logger *zap.Logger) *Ingester {
	return &Ingester{
		store:  store,
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger,
	}
}

// Run fetches each URL and inserts its passages. Per-URL failures are
// logged and skipped; the return counts rows actually written.
func (in *Ingester) Run(ctx context.Context, urls []string) (int, error) {
	total := 0
	for _, url := range urls {
		n, err := in.ingestURL(ctx, url)
		if err != nil {
			in.logger.Warn("skipping url", zap.String("url", url), zap.Error(err))
			total += n
			continue
		}
		in.logger.Info("ingested", zap.String("url", url), zap.Int("passages", n))
		total += n
	}
	return total, nil
}

func (in *Ingester) ingestURL(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, p := range ExtractPassages(string(body)) {
		ok, err := in.store.InsertPassage(ctx, p, url)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// ExtractPassages pulls paragraph text out of an HTML document and splits
// it into passages of minPassageLen-maxPassageLen characters on sentence
// boundaries.
func ExtractPassages(page string) []string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}
	var paragraphs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "nav", "header", "footer":
				return
			case "p", "blockquote", "li":
				text := Sanitize(textContent(n))
				if text != "" {
					paragraphs = append(paragraphs, text)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var passages []string
	for _, para := range paragraphs {
		passages = append(passages, splitSentences(para)...)
	}
	return passages
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// Sanitize collapses whitespace and strips everything outside printable
// ASCII. Keystroke comparison is byte-indexed, so passages must never carry
// multi-byte runes.
func Sanitize(text string) string {
	var b strings.Builder
	space := true
	for _, r := range text {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case r >= 0x20 && r <= 0x7e:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

// splitSentences accumulates sentences until a chunk lands inside the
// passage size window. A chunk that first reaches minPassageLen already past
// maxPassageLen is discarded whole, as is an undersized tail.
func splitSentences(text string) []string {
	var passages []string
	var current strings.Builder
	for _, sentence := range sentences(text) {
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
		if current.Len() >= minPassageLen {
			if current.Len() <= maxPassageLen {
				passages = append(passages, current.String())
			}
			current.Reset()
		}
	}
	return passages
}

func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		// Consume trailing closers like quotes before the break.
		end := i + 1
		for end < len(text) && (text[end] == '"' || text[end] == '\'' || text[end] == ')') {
			end++
		}
		if end < len(text) && text[end] != ' ' {
			continue
		}
		s := strings.TrimSpace(text[start:end])
		if s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}
