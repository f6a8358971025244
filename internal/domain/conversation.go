package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single exchanged message in a session's history.
type Turn struct {
	Role Role
	Text string
}

// SessionScope selects how inbound events are grouped into sessions.
type SessionScope string

const (
	// ScopeChannelUser keeps one session per (conversation, author) pair.
	ScopeChannelUser SessionScope = "channel_user"
	// ScopeChannel shares one session between everybody in a conversation.
	ScopeChannel SessionScope = "channel"
)

// ParseSessionScope validates a configured scope name.
func ParseSessionScope(s string) (SessionScope, error) {
	switch SessionScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeChannelUser:
		return ScopeChannelUser, nil
	case ScopeChannel:
		return ScopeChannel, nil
	default:
		return "", fmt.Errorf("domain: unknown session scope %q", s)
	}
}

// SessionKey identifies one bounded conversation context.
type SessionKey string

// NewSessionKey derives the key for an event under the given scope.
func NewSessionKey(scope SessionScope, conversationID, authorID string) SessionKey {
	if scope == ScopeChannel {
		return SessionKey(conversationID)
	}
	return SessionKey(conversationID + ":" + authorID)
}

// TranscriptEntry is an archived copy of a completed turn.
type TranscriptEntry struct {
	PK        string
	SK        string
	Session   SessionKey
	Role      Role
	Text      string
	RequestID string
	CreatedAt time.Time
	TTL       int64
}
