package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CreateChatRoom creates (or fetches) the direct-message room between the
// authenticated user and otherUID. The backend deduplicates: requesting a
// room for a pair that already has one returns the existing room.
func (c *Client) CreateChatRoom(ctx context.Context, otherUID string) (*ChatRoom, error) {
	if otherUID == "" {
		return nil, fmt.Errorf("api: otherUID is required")
	}
	var room ChatRoom
	body := map[string]string{"userId2": otherUID}
	if err := c.doEnvelope(ctx, http.MethodPost, "/chat/room", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// SendMessage appends a message to the room and returns the stored message
// with its server-assigned ID and timestamp.
func (c *Client) SendMessage(ctx context.Context, roomID, receiverUID, content string) (*ChatMessage, error) {
	if roomID == "" {
		return nil, fmt.Errorf("api: roomID is required")
	}
	var msg ChatMessage
	body := map[string]string{
		"receiverId": receiverUID,
		"content":    content,
	}
	path := "/chat/" + url.PathEscape(roomID) + "/message"
	if err := c.doEnvelope(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages fetches up to limit most-recent messages for the room, returned
// in ascending timestamp order. A limit of zero or less asks for the backend
// default page.
func (c *Client) GetMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	if roomID == "" {
		return nil, fmt.Errorf("api: roomID is required")
	}
	path := "/chat/room/" + url.PathEscape(roomID) + "/messages"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var messages []ChatMessage
	if err := c.doEnvelope(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkMessageRead records a read receipt for the authenticated user on the
// message. Marking an already-read message is a no-op on the backend.
func (c *Client) MarkMessageRead(ctx context.Context, roomID, messageID string) error {
	if roomID == "" || messageID == "" {
		return fmt.Errorf("api: roomID and messageID are required")
	}
	path := "/chat/room/" + url.PathEscape(roomID) + "/message/" + url.PathEscape(messageID) + "/read"
	return c.doEnvelope(ctx, http.MethodPatch, path, nil, nil)
}

// GetUnreadMessages fetches all messages addressed to the authenticated user
// that have no read receipt from them. The backend returns one flat list
// across rooms; callers group by RoomID as needed.
func (c *Client) GetUnreadMessages(ctx context.Context) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := c.doEnvelope(ctx, http.MethodGet, "/chat/unread-messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
