package ingest

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello   world", "hello world"},
		{"  lead and trail  ", "lead and trail"},
		{"tabs\tand\nnewlines", "tabs and newlines"},
		{"smart “quotes” stay out", "smart quotes stay out"},
		{"café", "caf"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExtractPassagesSizes(t *testing.T) {
	para := strings.Repeat("The fox ran over the quiet hill before sunrise. ", 8)
	page := "<html><body><p>" + para + "</p><script>ignore()</script></body></html>"
	passages := ExtractPassages(page)
	if len(passages) == 0 {
		t.Fatal("expected at least one passage")
	}
	for _, p := range passages {
		if len(p) < minPassageLen || len(p) > maxPassageLen {
			t.Errorf("passage length %d outside [%d, %d]: %q", len(p), minPassageLen, maxPassageLen, p)
		}
		if strings.Contains(p, "ignore()") {
			t.Errorf("script text leaked into passage: %q", p)
		}
		for i := 0; i < len(p); i++ {
			if p[i] < 0x20 || p[i] > 0x7e {
				t.Errorf("non-ASCII byte %q in passage", p[i])
			}
		}
	}
}

func TestExtractPassagesDropsShortParagraphs(t *testing.T) {
	page := "<html><body><p>Too short.</p></body></html>"
	if got := ExtractPassages(page); len(got) != 0 {
		t.Errorf("expected no passages from a short paragraph, got %v", got)
	}
}

func TestSplitSentencesBreaksOnBoundaries(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("A sentence that is long enough to matter for the splitter, clearly. ", 5))
	for _, p := range splitSentences(text) {
		if !strings.HasSuffix(p, ".") {
			t.Errorf("passage does not end on a sentence boundary: %q", p)
		}
	}
}

type fakeInserter struct {
	rows map[string]string
}

func (f *fakeInserter) InsertPassage(ctx context.Context, text, sourceURL string) (bool, error) {
	if _, ok := f.rows[text]; ok {
		return false, nil
	}
	f.rows[text] = sourceURL
	return true, nil
}

func TestRunSkipsBadURLs(t *testing.T) {
	in := New(&fakeInserter{rows: map[string]string{}}, zap.NewNop())
	total, err := in.Run(context.Background(), []string{"http://127.0.0.1:1/nothing-here"})
	if err != nil {
		t.Fatalf("Run should not fail on an unreachable url: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 inserts, got %d", total)
	}
}
