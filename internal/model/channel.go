package model

import (
	"errors"
	"time"
)

type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"created_by"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c *Channel) HasMember(uid string) bool {
	for _, m := range c.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// Validate проверяет инварианты канала: имя непустое, создатель входит в участники.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return errors.New("channel: name required")
	}
	if c.CreatedBy == "" {
		return errors.New("channel: created_by required")
	}
	if !c.HasMember(c.CreatedBy) {
		return errors.New("channel: creator must be a member")
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, dup := seen[m]; dup {
			return errors.New("channel: duplicate member " + m)
		}
		seen[m] = struct{}{}
	}
	return nil
}
