package model

import "errors"

// Collection names in the document store.
const (
	CollectionUsers    = "users"
	CollectionChannels = "channels"
	CollectionChats    = "chats"
	CollectionSessions = "sessions"
	CollectionPushSubs = "push_subscriptions"
)

type User struct {
	UID      string   `json:"uid"`
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	PhotoURL string   `json:"photo_url"`
	Contacts []string `json:"contacts,omitempty"`
	Online   bool     `json:"online"`
}

// UserRef — денормализованный снимок пользователя для отображения (в чатах, сообщениях).
type UserRef struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url"`
}

// PlaceholderName is shown when a referenced user cannot be resolved.
const PlaceholderName = "Unknown User"

func (u *User) Validate() error {
	if u.UID == "" {
		return errors.New("user: uid required")
	}
	if u.Name == "" {
		return errors.New("user: name required")
	}
	return nil
}

func (u *User) Ref() UserRef {
	return UserRef{UID: u.UID, Name: u.Name, PhotoURL: u.PhotoURL}
}
