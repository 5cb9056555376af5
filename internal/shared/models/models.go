package models

import "fmt"

// Subject is the (user, guild) pair against which rate limits and usage
// are tracked. Subjects are created implicitly on first message and age
// out via counter TTLs.
type Subject struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
}

// Key returns the canonical counter-store key fragment for the subject.
func (s Subject) Key() string {
	return fmt.Sprintf("%s:%s", s.GuildID, s.UserID)
}

func (s Subject) String() string {
	return s.Key()
}

// Member carries the role and membership metadata the chat transport
// knows about the message author.
type Member struct {
	Roles     []string `json:"roles"`
	IsAdmin   bool     `json:"is_admin"`
	IsPremium bool     `json:"is_premium"`
}

// Message is an inbound message event from the chat transport.
type Message struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch millis
	Member    Member `json:"member"`
}

// Subject returns the rate-limiting subject for the message.
func (m Message) Subject() Subject {
	return Subject{UserID: m.UserID, GuildID: m.GuildID}
}
