// Package mention implements cursor-aware detection of @user and #channel
// trigger tokens in draft text: candidate filtering for an autocomplete
// popup, the popup anchor position, and splicing a chosen candidate back
// into the text.
package mention

import (
	"strings"
	"unicode"
)

// Trigger characters.
const (
	TriggerUser    = '@'
	TriggerChannel = '#'
)

// Candidate is one autocomplete entry (a user or a channel).
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Anchor is the position of the trigger character, for placing the popup.
// Offsets are rune-based; Line and Column are zero-based.
type Anchor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Offset int `json:"offset"`
}

// Suggestion is the parser state after a text/cursor change. Active=false
// means Idle: no popup. Matches is never empty while Active.
type Suggestion struct {
	Active  bool        `json:"active"`
	Trigger rune        `json:"-"`
	Anchor  Anchor      `json:"anchor"`
	Query   string      `json:"query"`
	Matches []Candidate `json:"matches,omitempty"`
}

// Tracker runs the autocomplete state machine for one trigger character.
// The two trigger kinds track independently; both can be open at once.
type Tracker struct {
	trigger rune
}

func NewTracker(trigger rune) *Tracker {
	return &Tracker{trigger: trigger}
}

// Update re-evaluates the draft after a text or cursor change.
//
// The span between the last trigger occurrence before the cursor and the
// cursor itself is the query. Whitespace inside the span means the token is
// already closed, so the tracker goes Idle. An empty query matches every
// candidate; a non-empty query filters by case-insensitive prefix, and zero
// matches also means Idle rather than an open empty popup.
func (t *Tracker) Update(text string, cursor int, candidates []Candidate) Suggestion {
	runes := []rune(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}

	at := -1
	for i := cursor - 1; i >= 0; i-- {
		if runes[i] == t.trigger {
			at = i
			break
		}
	}
	if at < 0 {
		return Suggestion{Trigger: t.trigger}
	}

	span := runes[at+1 : cursor]
	for _, r := range span {
		if unicode.IsSpace(r) {
			return Suggestion{Trigger: t.trigger}
		}
	}
	query := string(span)

	matches := filterPrefix(candidates, query)
	if query != "" && len(matches) == 0 {
		return Suggestion{Trigger: t.trigger}
	}

	return Suggestion{
		Active:  true,
		Trigger: t.trigger,
		Anchor:  anchorAt(runes, at),
		Query:   query,
		Matches: matches,
	}
}

// Apply splices the chosen candidate into the draft: the span from the
// trigger character through the cursor becomes trigger + name + " ", and the
// cursor jumps to the end of the whole text, not just past the insertion.
func (t *Tracker) Apply(text string, cursor int, s Suggestion, chosen Candidate) (newText string, newCursor int) {
	runes := []rune(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}
	if !s.Active || s.Anchor.Offset < 0 || s.Anchor.Offset >= len(runes) || runes[s.Anchor.Offset] != t.trigger {
		return text, cursor
	}

	var b strings.Builder
	b.WriteString(string(runes[:s.Anchor.Offset]))
	b.WriteRune(t.trigger)
	b.WriteString(chosen.Name)
	b.WriteByte(' ')
	b.WriteString(string(runes[cursor:]))
	newText = b.String()
	return newText, len([]rune(newText))
}

func filterPrefix(candidates []Candidate, query string) []Candidate {
	if query == "" {
		out := make([]Candidate, len(candidates))
		copy(out, candidates)
		return out
	}
	q := strings.ToLower(query)
	var out []Candidate
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c.Name), q) {
			out = append(out, c)
		}
	}
	return out
}

func anchorAt(runes []rune, offset int) Anchor {
	line, col := 0, 0
	for _, r := range runes[:offset] {
		if r == '\n' {
			line++
			col = 0
			continue
		}
		col++
	}
	return Anchor{Line: line, Column: col, Offset: offset}
}

// Editor tracks both trigger kinds over one draft.
type Editor struct {
	users    *Tracker
	channels *Tracker
}

func NewEditor() *Editor {
	return &Editor{
		users:    NewTracker(TriggerUser),
		channels: NewTracker(TriggerChannel),
	}
}

// Update re-evaluates both trackers. No mutual exclusion: both suggestions
// can be active simultaneously.
func (e *Editor) Update(text string, cursor int, users, channels []Candidate) (userSug, channelSug Suggestion) {
	return e.users.Update(text, cursor, users), e.channels.Update(text, cursor, channels)
}

// ApplyUser splices a user mention into the draft.
func (e *Editor) ApplyUser(text string, cursor int, s Suggestion, chosen Candidate) (string, int) {
	return e.users.Apply(text, cursor, s, chosen)
}

// ApplyChannel splices a channel reference into the draft.
func (e *Editor) ApplyChannel(text string, cursor int, s Suggestion, chosen Candidate) (string, int) {
	return e.channels.Apply(text, cursor, s, chosen)
}
