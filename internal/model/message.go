package model

import "time"

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Reaction — одна запись на уникальный emoji. Когда список авторов пустеет,
// запись удаляется целиком.
type Reaction struct {
	ID      string   `json:"id"`
	Emoji   string   `json:"emoji"`
	Authors []string `json:"authors"`
}

func (r *Reaction) HasAuthor(uid string) bool {
	for _, a := range r.Authors {
		if a == uid {
			return true
		}
	}
	return false
}

type Message struct {
	ID          string       `json:"id"`
	AuthorUID   string       `json:"author_uid"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty"`

	// SpaceName — денормализованное имя пространства (канала) для отображения.
	SpaceName string `json:"space_name,omitempty"`

	// Thread summary, maintained on the parent when replies are sent.
	ThreadReplies int        `json:"thread_replies,omitempty"`
	LastReplyAt   *time.Time `json:"last_reply_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// NewDay reports whether cur falls on a later calendar day than prev.
// Consumers rely on ascending message order when rendering day separators.
func NewDay(prev, cur time.Time) bool {
	py, pm, pd := prev.Date()
	cy, cm, cd := cur.Date()
	return cy != py || cm != pm || cd != pd
}
