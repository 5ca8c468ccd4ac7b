package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CreatePost publishes a new forum post and returns it with its
// server-assigned ID and timestamp.
func (c *Client) CreatePost(ctx context.Context, message string) (*ForumPost, error) {
	if message == "" {
		return nil, fmt.Errorf("api: message is required")
	}
	var post ForumPost
	body := map[string]string{"message": message}
	if err := c.doEnvelope(ctx, http.MethodPost, "/forum/post", body, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

// GetPosts fetches one page of the forum feed, newest posts first, as a flat
// post array. pageToken is the ID of the last post from the previous page, or
// empty for the first page; a page shorter than limit means the feed end was
// reached. A limit of zero or less asks for the backend default page size.
func (c *Client) GetPosts(ctx context.Context, limit int, pageToken string) ([]ForumPost, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	path := "/forum/post"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var posts []ForumPost
	if err := c.doEnvelope(ctx, http.MethodGet, path, nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// LikePost records the authenticated user's like on the post. Liking an
// already-liked post is a no-op on the backend.
func (c *Client) LikePost(ctx context.Context, postID string) error {
	if postID == "" {
		return fmt.Errorf("api: postID is required")
	}
	path := "/forum/post/" + url.PathEscape(postID) + "/like"
	return c.doEnvelope(ctx, http.MethodPost, path, nil, nil)
}

// UnlikePost removes the authenticated user's like from the post.
func (c *Client) UnlikePost(ctx context.Context, postID string) error {
	if postID == "" {
		return fmt.Errorf("api: postID is required")
	}
	path := "/forum/post/" + url.PathEscape(postID) + "/like"
	return c.doEnvelope(ctx, http.MethodDelete, path, nil, nil)
}

// CreateComment adds a comment under a post, or a reply under another
// comment when parentType is "comment". The post ID travels in the request
// body together with the parent reference.
func (c *Client) CreateComment(ctx context.Context, postID, parentID, parentType, message string) (*ForumComment, error) {
	if postID == "" || message == "" {
		return nil, fmt.Errorf("api: postID and message are required")
	}
	var comment ForumComment
	body := map[string]string{
		"forumpostId": postID,
		"parentId":    parentID,
		"parentType":  parentType,
		"message":     message,
	}
	if err := c.doEnvelope(ctx, http.MethodPost, "/forum/comment", body, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// GetPostComments fetches up to limit comments on the post, including
// replies, oldest first. A limit of zero or less asks for the default page
// of 20.
func (c *Client) GetPostComments(ctx context.Context, postID string, limit int) ([]ForumComment, error) {
	if postID == "" {
		return nil, fmt.Errorf("api: postID is required")
	}
	if limit <= 0 {
		limit = 20
	}
	var comments []ForumComment
	path := "/forum/post/" + url.PathEscape(postID) + "/comments?limit=" + fmt.Sprintf("%d", limit)
	if err := c.doEnvelope(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// EditComment replaces the comment's message. Only the comment's author may
// edit it; the backend rejects anyone else.
func (c *Client) EditComment(ctx context.Context, commentID, message string) (*ForumComment, error) {
	if commentID == "" || message == "" {
		return nil, fmt.Errorf("api: commentID and message are required")
	}
	var comment ForumComment
	body := map[string]string{"message": message}
	path := "/forum/comment/" + url.PathEscape(commentID)
	if err := c.doEnvelope(ctx, http.MethodPatch, path, body, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// DeleteComment removes the comment. Only the comment's author may delete it.
func (c *Client) DeleteComment(ctx context.Context, commentID string) error {
	if commentID == "" {
		return fmt.Errorf("api: commentID is required")
	}
	path := "/forum/comment/" + url.PathEscape(commentID)
	return c.doEnvelope(ctx, http.MethodDelete, path, nil, nil)
}
