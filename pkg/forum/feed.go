package forum

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/phiwazulumoh/cop/pkg/api"
)

var meter = otel.Meter("cop-forum")

// FeedAPI is the slice of the REST client the feed needs.
type FeedAPI interface {
	GetPosts(ctx context.Context, limit int, pageToken string) ([]api.ForumPost, error)
	CreatePost(ctx context.Context, message string) (*api.ForumPost, error)
	LikePost(ctx context.Context, postID string) error
	UnlikePost(ctx context.Context, postID string) error
}

// Feed is the client-held forum post list: pages accumulate as the user
// scrolls, and like toggles are applied optimistically.
type Feed struct {
	client FeedAPI
	logger *slog.Logger

	mu        sync.Mutex
	posts     []api.ForumPost
	index     map[string]int
	nextToken string
	exhausted bool

	likeToggles  metric.Int64Counter
	likeRollback metric.Int64Counter
}

// NewFeed creates an empty Feed.
func NewFeed(client FeedAPI, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	likeToggles, _ := meter.Int64Counter("forum.like.toggles",
		metric.WithDescription("Optimistic like toggles attempted"))
	likeRollback, _ := meter.Int64Counter("forum.like.rollbacks",
		metric.WithDescription("Like toggles reverted after server rejection"))

	return &Feed{
		client:       client,
		logger:       logger,
		index:        make(map[string]int),
		likeToggles:  likeToggles,
		likeRollback: likeRollback,
	}
}

// LoadMore fetches the next page and appends posts the feed has not seen
// yet. The cursor is the ID of the last post of the previous page; a page
// shorter than limit marks the feed exhausted. Returns how many posts were
// added; zero with a nil error means the feed is exhausted.
func (f *Feed) LoadMore(ctx context.Context, limit int) (int, error) {
	f.mu.Lock()
	if f.exhausted {
		f.mu.Unlock()
		return 0, nil
	}
	token := f.nextToken
	f.mu.Unlock()

	page, err := f.client.GetPosts(ctx, limit, token)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	added := 0
	for _, post := range page {
		if _, dup := f.index[post.ID]; dup {
			continue
		}
		f.index[post.ID] = len(f.posts)
		f.posts = append(f.posts, post)
		added++
	}
	if len(page) > 0 {
		f.nextToken = page[len(page)-1].ID
	}
	if len(page) == 0 || (limit > 0 && len(page) < limit) {
		f.exhausted = true
	}
	return added, nil
}

// Publish creates a post and prepends it to the feed.
func (f *Feed) Publish(ctx context.Context, message string) (*api.ForumPost, error) {
	post, err := f.client.CreatePost(ctx, message)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.index[post.ID]; !dup {
		f.posts = append([]api.ForumPost{*post}, f.posts...)
		f.index = make(map[string]int, len(f.posts))
		for i, p := range f.posts {
			f.index[p.ID] = i
		}
	}
	return post, nil
}

// ToggleLike flips the local like state for the post immediately, then
// confirms with the server. A rejected toggle reverts the local state, so
// the feed never diverges from the server past the in-flight call.
func (f *Feed) ToggleLike(ctx context.Context, postID string) error {
	f.mu.Lock()
	i, ok := f.index[postID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forum: post %q is not in the feed", postID)
	}
	liking := !f.posts[i].IsLiked
	f.mu.Unlock()

	f.likeToggles.Add(ctx, 1, metric.WithAttributes(attribute.Bool("liking", liking)))

	apply := func() { f.setLiked(postID, liking) }
	revert := func() {
		f.setLiked(postID, !liking)
		f.likeRollback.Add(ctx, 1)
		f.logger.Warn("like toggle reverted", "post", postID, "liking", liking)
	}
	confirm := func(ctx context.Context) error {
		if liking {
			return f.client.LikePost(ctx, postID)
		}
		return f.client.UnlikePost(ctx, postID)
	}

	return Optimistic(ctx, apply, revert, confirm)
}

func (f *Feed) setLiked(postID string, liked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.index[postID]
	if !ok {
		return
	}
	if f.posts[i].IsLiked == liked {
		return
	}
	f.posts[i].IsLiked = liked
	if liked {
		f.posts[i].LikeCount++
	} else if f.posts[i].LikeCount > 0 {
		f.posts[i].LikeCount--
	}
}

// Posts returns a copy of the accumulated feed, newest first.
func (f *Feed) Posts() []api.ForumPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.ForumPost, len(f.posts))
	copy(out, f.posts)
	return out
}

// Post returns the feed's copy of a post, if present.
func (f *Feed) Post(postID string) (api.ForumPost, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.index[postID]
	if !ok {
		return api.ForumPost{}, false
	}
	return f.posts[i], true
}
