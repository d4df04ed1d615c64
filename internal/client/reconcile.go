package client

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lumenhealth/scribe/domain/entities"
)

// overlapWindow is the number of trailing committed characters kept for
// overlap detection. The window is a dedup aid, never authoritative text.
const overlapWindow = 80

// Reconciler builds the accumulated transcript from final fragments,
// deduplicating the overlap an engine re-emits when it revises the tail of
// the previous utterance.
type Reconciler struct {
	committed strings.Builder
	window    string
	seen      map[string]struct{}
}

// NewReconciler creates an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{seen: make(map[string]struct{})}
}

// Commit incorporates one final fragment. It returns the text actually
// appended after overlap trimming, and false when the fragment was already
// committed (finals are idempotent by result id) or contributed nothing.
func (r *Reconciler) Commit(fragment *entities.TranscriptFragment) (string, bool) {
	if fragment == nil {
		return "", false
	}
	if fragment.ResultID != "" {
		if _, dup := r.seen[fragment.ResultID]; dup {
			return "", false
		}
		r.seen[fragment.ResultID] = struct{}{}
	}

	text := fragment.Text()
	if text == "" {
		return "", false
	}

	trimmed := trimOverlap(r.window, text)
	if trimmed == "" {
		return "", false
	}

	if r.committed.Len() > 0 && !strings.HasPrefix(trimmed, " ") {
		r.committed.WriteString(" ")
	}
	r.committed.WriteString(trimmed)

	full := r.committed.String()
	if len(full) > overlapWindow {
		r.window = full[len(full)-overlapWindow:]
	} else {
		r.window = full
	}
	return trimmed, true
}

// CommitText commits bare final text with no result id, as delivered by the
// relay or the chunked endpoint.
func (r *Reconciler) CommitText(text string) (string, bool) {
	return r.Commit(fragmentFromText(text))
}

// Transcript returns the accumulated committed text.
func (r *Reconciler) Transcript() string {
	return r.committed.String()
}

// fragmentFromText wraps relayed final text, which carries no result id; the
// relay has already flattened fragments to their best hypothesis.
func fragmentFromText(text string) *entities.TranscriptFragment {
	return &entities.TranscriptFragment{
		IsFinal:      true,
		Alternatives: []entities.Alternative{{Text: text}},
	}
}

// trimOverlap strips from text the longest prefix that case-insensitively
// matches a suffix of window. The comparison is rune-wise: case mappings can
// change byte length (İ → i), so a byte offset computed on lowered copies
// would cut the original text in the wrong place. Cost is O(window ×
// fragment), bounded by the window size.
func trimOverlap(window, text string) string {
	for i := range window {
		if n, ok := foldPrefixLen(text, window[i:]); ok {
			return strings.TrimLeft(text[n:], " ")
		}
	}
	return text
}

// foldPrefixLen reports the byte length of the prefix of text that matches
// want rune-for-rune, ignoring case. The returned offset always lands on a
// rune boundary of text.
func foldPrefixLen(text, want string) (int, bool) {
	n := 0
	for _, wr := range want {
		tr, size := utf8.DecodeRuneInString(text[n:])
		if size == 0 {
			return 0, false
		}
		if tr != wr && unicode.ToLower(tr) != unicode.ToLower(wr) {
			return 0, false
		}
		n += size
	}
	return n, true
}
