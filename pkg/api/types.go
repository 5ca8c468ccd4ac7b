package api

import (
	"bytes"
	"encoding/json"
	"time"
)

// User is an entry from the directory service.
type User struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// ChatRoom is a pairwise direct-message room. Requesting a room for a pair
// that already has one returns the existing room.
type ChatRoom struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ChatMessage is a single message in a room. Content is immutable once
// created; ReadAt is the only field mutated after creation (one entry per
// recipient that has read the message).
type ChatMessage struct {
	ID         string               `json:"id"`
	RoomID     string               `json:"roomId"`
	SenderID   string               `json:"senderId"`
	ReceiverID string               `json:"receiverId"`
	Content    string               `json:"content"`
	SentAt     time.Time            `json:"sentAt"`
	ReadAt     map[string]time.Time `json:"readAt,omitempty"`
	IsRead     bool                 `json:"isRead,omitempty"`
}

// ReadBy reports whether the given user has a read timestamp on the message.
func (m *ChatMessage) ReadBy(uid string) bool {
	_, ok := m.ReadAt[uid]
	return ok
}

// ForumPost is a forum feed entry.
type ForumPost struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Message      string    `json:"message"`
	PostDate     time.Time `json:"postDate"`
	LikeCount    int       `json:"likeCount,omitempty"`
	IsLiked      bool      `json:"isLiked,omitempty"`
	CommentCount int       `json:"commentCount,omitempty"`
}

// ForumComment is a comment on a post or a reply to another comment.
type ForumComment struct {
	ID          string    `json:"id"`
	ForumPostID string    `json:"forumpostId"`
	ParentID    string    `json:"parentId"`
	ParentType  string    `json:"parentType"` // "post" or "comment"
	UserID      string    `json:"userId"`
	Message     string    `json:"message"`
	ReplyDate   time.Time `json:"replyDate"`
}

// ForumLike records one user's like on a post.
type ForumLike struct {
	ID       string    `json:"id"`
	PostID   string    `json:"postId"`
	UserID   string    `json:"userId"`
	LikeDate time.Time `json:"likeDate"`
}

// envelope is the uniform response wrapper used by the backend. The status
// field is inconsistent between deployments: some endpoints return the
// numeric success code, others the literal "SUCCESS"/"FAIL" tags. Both are
// accepted here; this should be reconciled upstream.
type envelope struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

const envelopeSuccessCode = 1

// ok reports whether the envelope carries a success status in either
// representation.
func (e *envelope) ok() bool {
	if len(e.Status) == 0 {
		return false
	}
	var code int
	if err := json.Unmarshal(e.Status, &code); err == nil {
		return code == envelopeSuccessCode
	}
	var tag string
	if err := json.Unmarshal(e.Status, &tag); err == nil {
		return tag == "SUCCESS"
	}
	return false
}

// looksLikeJSON reports whether body plausibly starts a JSON document.
func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
