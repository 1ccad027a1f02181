package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var users = []Candidate{
	{ID: "u1", Name: "Alice"},
	{ID: "u2", Name: "Albert"},
	{ID: "u3", Name: "Bob"},
}

var channels = []Candidate{
	{ID: "c1", Name: "general"},
	{ID: "c2", Name: "random"},
}

func cursorAtEnd(text string) int { return len([]rune(text)) }

func TestUserPrefixFilter(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "hello @Al"

	s := tr.Update(text, cursorAtEnd(text), users)
	require.True(t, s.Active)
	assert.Equal(t, "Al", s.Query)
	require.Len(t, s.Matches, 2)
	assert.Equal(t, "Alice", s.Matches[0].Name)
	assert.Equal(t, "Albert", s.Matches[1].Name)
}

func TestFilterIsCaseInsensitive(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "@aLiC"

	s := tr.Update(text, cursorAtEnd(text), users)
	require.True(t, s.Active)
	require.Len(t, s.Matches, 1)
	assert.Equal(t, "Alice", s.Matches[0].Name)
}

func TestWhitespaceClosesToken(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "hello @Al "

	s := tr.Update(text, cursorAtEnd(text), users)
	assert.False(t, s.Active, "space after the query closes the token")

	s = tr.Update("@Al\nmore", cursorAtEnd("@Al\nmore"), users)
	assert.False(t, s.Active, "newline counts as whitespace too")
}

func TestEmptyQueryMatchesAll(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "hello @"

	s := tr.Update(text, cursorAtEnd(text), users)
	require.True(t, s.Active)
	assert.Empty(t, s.Query)
	assert.Len(t, s.Matches, len(users))
}

func TestNoMatchesGoesIdle(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "@zzz"

	s := tr.Update(text, cursorAtEnd(text), users)
	assert.False(t, s.Active, "a non-empty query with no matches never shows an empty popup")
}

func TestNoTriggerBeforeCursor(t *testing.T) {
	tr := NewTracker(TriggerUser)

	s := tr.Update("hello world", 5, users)
	assert.False(t, s.Active)

	// A trigger after the cursor does not count.
	s = tr.Update("hi @Al", 2, users)
	assert.False(t, s.Active)
}

func TestCursorMidQuery(t *testing.T) {
	tr := NewTracker(TriggerUser)

	// Cursor sits between "A" and "l": only the part before it is the query.
	s := tr.Update("@Alx", 2, users)
	require.True(t, s.Active)
	assert.Equal(t, "A", s.Query)
	assert.Len(t, s.Matches, 2)
}

func TestAnchorPosition(t *testing.T) {
	tr := NewTracker(TriggerChannel)
	text := "line one\nsee #gen"

	s := tr.Update(text, cursorAtEnd(text), channels)
	require.True(t, s.Active)
	assert.Equal(t, 1, s.Anchor.Line)
	assert.Equal(t, 4, s.Anchor.Column)
	assert.Equal(t, len([]rune("line one\nsee ")), s.Anchor.Offset)
}

func TestApplySplicesAndMovesCursorToEnd(t *testing.T) {
	tr := NewTracker(TriggerChannel)
	text := "see #gen please"
	cursor := len([]rune("see #gen"))

	s := tr.Update(text, cursor, channels)
	require.True(t, s.Active)
	require.Len(t, s.Matches, 1)

	newText, newCursor := tr.Apply(text, cursor, s, s.Matches[0])
	assert.Equal(t, "see #general  please", newText)
	assert.Equal(t, len([]rune(newText)), newCursor, "cursor jumps to the end of the whole text")
}

func TestApplyAtEndOfText(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "hello @Al"
	cursor := cursorAtEnd(text)

	s := tr.Update(text, cursor, users)
	require.True(t, s.Active)

	newText, newCursor := tr.Apply(text, cursor, s, Candidate{ID: "u1", Name: "Alice"})
	assert.Equal(t, "hello @Alice ", newText)
	assert.Equal(t, len([]rune(newText)), newCursor)
}

func TestApplyInactiveSuggestionIsNoop(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "hello"

	newText, newCursor := tr.Apply(text, 5, Suggestion{}, Candidate{Name: "Alice"})
	assert.Equal(t, text, newText)
	assert.Equal(t, 5, newCursor)
}

func TestApplyStaleAnchorIsNoop(t *testing.T) {
	tr := NewTracker(TriggerUser)

	// The anchor no longer points at a trigger (text changed under the popup).
	stale := Suggestion{Active: true, Anchor: Anchor{Offset: 0}}
	newText, newCursor := tr.Apply("hello", 5, stale, Candidate{Name: "Alice"})
	assert.Equal(t, "hello", newText)
	assert.Equal(t, 5, newCursor)
}

func TestLastTriggerWins(t *testing.T) {
	tr := NewTracker(TriggerUser)
	text := "@Bob said @Al"

	s := tr.Update(text, cursorAtEnd(text), users)
	require.True(t, s.Active)
	assert.Equal(t, "Al", s.Query)
	assert.Equal(t, len([]rune("@Bob said ")), s.Anchor.Offset)
}

func TestEditorTracksBothTriggersIndependently(t *testing.T) {
	e := NewEditor()
	text := "ping @Al in #gen"

	// Cursor after "@Al": the user popup is open, the channel one is not
	// (the span from '#' back to cursor is not relevant, '#' is after it).
	userSug, chanSug := e.Update(text, len([]rune("ping @Al")), users, channels)
	assert.True(t, userSug.Active)
	assert.False(t, chanSug.Active)

	// Cursor at end: the channel token is open, the user span contains spaces.
	userSug, chanSug = e.Update(text, cursorAtEnd(text), users, channels)
	assert.False(t, userSug.Active)
	assert.True(t, chanSug.Active)
	assert.Equal(t, "gen", chanSug.Query)
	require.Len(t, chanSug.Matches, 1)

	newText, _ := e.ApplyChannel(text, cursorAtEnd(text), chanSug, chanSug.Matches[0])
	assert.Equal(t, "ping @Al in #general ", newText)
}

func TestUnicodeQuery(t *testing.T) {
	tr := NewTracker(TriggerUser)
	people := []Candidate{{ID: "u1", Name: "Жанна"}, {ID: "u2", Name: "Боб"}}
	text := "привет @Жа"

	s := tr.Update(text, cursorAtEnd(text), people)
	require.True(t, s.Active)
	assert.Equal(t, "Жа", s.Query)
	require.Len(t, s.Matches, 1)

	newText, newCursor := tr.Apply(text, cursorAtEnd(text), s, s.Matches[0])
	assert.Equal(t, "привет @Жанна ", newText)
	assert.Equal(t, len([]rune(newText)), newCursor)
}

func TestCursorClamping(t *testing.T) {
	tr := NewTracker(TriggerUser)

	s := tr.Update("@Al", 99, users)
	assert.True(t, s.Active, "out-of-range cursor clamps to text end")

	s = tr.Update("@Al", -3, users)
	assert.False(t, s.Active)
}
