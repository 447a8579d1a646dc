package opengraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/vibesapp/vibes/bus"
	"github.com/vibesapp/vibes/logger"
	"github.com/vibesapp/vibes/store"
	"github.com/vibesapp/vibes/tasks"
)

// maxPreviewURLs limits how many links per post get previews.
const maxPreviewURLs = 4

// Service fetches link previews in the background and writes them back
// onto interactions.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	queue  *tasks.Queue
	client *http.Client
	log    *slog.Logger
}

// NewService wires the preview pipeline. The queue may be shared with
// other background work.
func NewService(st *store.Store, b *bus.Bus, q *tasks.Queue) *Service {
	return &Service{
		store:  st,
		bus:    b,
		queue:  q,
		client: &http.Client{Timeout: FetchTimeout},
		log:    logger.WithComponent("opengraph"),
	}
}

// QueuePreviewFetch enqueues a background fetch for the URLs in
// content. A no-op when the content has no links.
func (s *Service) QueuePreviewFetch(interactionID int64, content string) {
	if len(ExtractLinks(content)) == 0 {
		return
	}
	s.log.Info("queueing link preview fetch", "interaction_id", interactionID)
	s.queue.Enqueue(func(ctx context.Context) {
		s.FetchAndUpdate(ctx, interactionID, content, true)
	})
}

// FetchAndUpdate fetches previews for content and stores them on the
// interaction, broadcasting the updated interaction when done.
func (s *Service) FetchAndUpdate(ctx context.Context, interactionID int64, content string, useCache bool) {
	urls := ExtractLinks(content)
	if len(urls) == 0 {
		return
	}
	s.log.Info("fetching link previews", "interaction_id", interactionID, "urls", urls)

	var cache map[string]map[string]any
	if useCache {
		var err error
		cache, err = s.store.CachedPreviews(ctx)
		if err != nil {
			s.log.Warn("loading preview cache failed", "error", err)
		}
	}

	previews := s.fetchPreviews(ctx, urls, cache)
	if len(previews) == 0 {
		s.log.Info("no previews found", "interaction_id", interactionID)
		return
	}

	ok, err := s.store.UpdateInteractionPreviews(ctx, interactionID, previews)
	if err != nil {
		s.log.Error("storing previews failed", "interaction_id", interactionID, "error", err)
		return
	}
	if !ok {
		return
	}

	in, err := s.store.GetInteraction(ctx, interactionID)
	if err != nil {
		return
	}
	s.bus.Publish(bus.TopicPreviewUpdated, in)
	s.log.Info("previews stored", "interaction_id", interactionID, "count", len(previews))
}

// fetchPreviews resolves each URL through the cache or the network,
// caching preview images in the media store as it goes.
func (s *Service) fetchPreviews(ctx context.Context, urls []string, cache map[string]map[string]any) []map[string]any {
	if len(urls) > maxPreviewURLs {
		urls = urls[:maxPreviewURLs]
	}

	var previews []map[string]any
	for _, u := range urls {
		if cached, ok := cache[u]; ok {
			s.log.Info("using cached preview", "url", u)
			previews = append(previews, cached)
			continue
		}

		p, err := Fetch(ctx, s.client, u)
		if err != nil {
			s.log.Warn("preview fetch failed", "url", u, "error", err)
			continue
		}
		if p == nil {
			continue
		}

		if p.Image != "" {
			mediaID, err := s.cacheImage(ctx, p.Image)
			if err != nil {
				s.log.Warn("caching preview image failed", "url", p.Image, "error", err)
				// Drop the remote URL rather than hotlink it.
				p.Image = ""
			} else {
				p.Image = fmt.Sprintf("/api/media/%d", mediaID)
				p.ImageMediaID = mediaID
			}
		}
		previews = append(previews, previewToMap(p))
	}
	return previews
}

// cacheImage downloads an image and stores it as media, reusing an
// existing row when the same source URL was cached before.
func (s *Service) cacheImage(ctx context.Context, imageURL string) (int64, error) {
	if id, err := s.store.MediaByOriginalURL(ctx, imageURL); err == nil {
		s.log.Info("reusing cached image", "url", imageURL, "media_id", id)
		return id, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("http %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return 0, fmt.Errorf("not an image: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return 0, err
	}
	if len(data) > maxImageBytes {
		return 0, fmt.Errorf("image too large")
	}

	metadata := map[string]any{
		"original_url": imageURL,
		"size":         len(data),
	}
	id, err := s.store.CreateMedia(ctx, imageFilename(imageURL), contentType, data, data, metadata)
	if err != nil {
		return 0, err
	}
	s.log.Info("cached preview image", "url", imageURL, "media_id", id)
	return id, nil
}

func imageFilename(imageURL string) string {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return "preview.jpg"
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return "preview.jpg"
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return name
	}
	return "preview.jpg"
}

// Reconcile scans for interactions with links but no previews and
// queues fetches for them. Run once at startup.
func (s *Service) Reconcile(ctx context.Context) error {
	s.log.Info("reconciling missing link previews")

	missing, err := s.store.InteractionsMissingPreviews(ctx)
	if err != nil {
		return fmt.Errorf("list missing previews: %w", err)
	}

	queued := 0
	for _, in := range missing {
		content, _ := in.Data["content"].(string)
		if len(ExtractLinks(content)) == 0 {
			continue
		}
		id := in.ID
		s.queue.Enqueue(func(ctx context.Context) {
			s.FetchAndUpdate(ctx, id, content, true)
		})
		queued++
	}
	if queued > 0 {
		s.log.Info("queued preview fetches", "count", queued)
	}
	return nil
}

func previewToMap(p *Preview) map[string]any {
	raw, err := json.Marshal(p)
	if err != nil {
		return map[string]any{"url": p.URL, "title": p.Title}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"url": p.URL, "title": p.Title}
	}
	return m
}
