package model

import (
	"strings"
	"time"
)

// DirectChat — приватный чат двух пользователей. ID детерминирован парой uid,
// поэтому на пару существует максимум один документ чата.
type DirectChat struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"` // always exactly two uids, sorted
	Sender    UserRef   `json:"sender"`
	Receiver  UserRef   `json:"receiver"`
	CreatedAt time.Time `json:"created_at"`
}

// DirectChatID returns the deterministic chat id for an unordered uid pair:
// the two uids sorted and joined with "_". A uid paired with itself yields
// "uid_uid" — the user's notes-to-self chat.
func DirectChatID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "_" + b
}

// Counterpart returns the uid of the other participant. For a notes-to-self
// chat both participants are uid, so uid itself is returned.
func (c *DirectChat) Counterpart(uid string) string {
	for _, m := range c.Members {
		if m != uid {
			return m
		}
	}
	return uid
}

func (c *DirectChat) HasMember(uid string) bool {
	for _, m := range c.Members {
		if m == uid {
			return true
		}
	}
	return false
}
