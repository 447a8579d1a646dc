package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vibesapp/vibes/bus"
	"github.com/vibesapp/vibes/store"
)

type createPostRequest struct {
	Content  string  `json:"content"`
	ThreadID *int64  `json:"thread_id,omitempty"`
	MediaIDs []int64 `json:"media_ids,omitempty"`
	Respond  bool    `json:"respond,omitempty"`
	AgentID  string  `json:"agent_id,omitempty"`
}

// handleCreatePost stores a post or, when thread_id is set, a reply.
// With respond=true a background task prompts the agent with the
// content and posts its answer into the same thread.
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "Missing 'content' field")
		return
	}

	ctx := r.Context()
	data := map[string]any{
		"type":      "post",
		"content":   req.Content,
		"media_ids": req.MediaIDs,
	}
	if req.ThreadID != nil {
		if _, err := s.store.GetInteraction(ctx, *req.ThreadID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Thread not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		data["type"] = "reply"
		data["thread_id"] = *req.ThreadID
	}

	id, err := s.store.CreateInteraction(ctx, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	post, err := s.store.GetInteraction(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.previews.QueuePreviewFetch(id, req.Content)
	s.bus.Publish(bus.TopicPostCreated, post)

	if req.Respond {
		threadID := id
		if req.ThreadID != nil {
			threadID = *req.ThreadID
		}
		agentID := req.AgentID
		if agentID == "" {
			agentID = "default"
		}
		s.queueAgentResponse(threadID, req.Content, agentID)
	}

	writeJSON(w, http.StatusCreated, post)
}

// handleTimeline returns posts oldest first within the page, paging
// backwards with ?before=<id>.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(queryInt(r, "limit", 10))
	before := int64(queryInt(r, "before", 0))

	posts, err := s.store.Timeline(r.Context(), limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(posts) == limit && posts[0].ID > 1
	writeJSON(w, http.StatusOK, map[string]any{
		"posts":    posts,
		"limit":    limit,
		"has_more": hasMore,
	})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return
	}

	thread, err := s.store.Thread(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(thread) == 0 {
		writeError(w, http.StatusNotFound, "Thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": thread})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "Missing 'q' parameter")
		return
	}
	limit := clampLimit(queryInt(r, "limit", 50))
	offset := queryInt(r, "offset", 0)

	results, err := s.store.Search(r.Context(), query, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"results": results,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleHashtag(w http.ResponseWriter, r *http.Request) {
	hashtag := r.PathValue("hashtag")
	limit := clampLimit(queryInt(r, "limit", 50))
	offset := queryInt(r, "offset", 0)

	posts, err := s.store.HashtagPosts(r.Context(), hashtag, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if posts == nil {
		posts = []store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hashtag": hashtag,
		"posts":   posts,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return
	}

	ok, err := s.store.DeleteInteraction(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Post not found")
		return
	}

	s.bus.Publish(bus.TopicPostDeleted, map[string]int64{"id": id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 100 {
		return 100
	}
	return limit
}
