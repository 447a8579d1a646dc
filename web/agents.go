package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vibesapp/vibes/acp"
	"github.com/vibesapp/vibes/bus"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	status := "stopped"
	if s.agent.Running() {
		status = "running"
	}

	s.actionsMu.RLock()
	actions := make([]map[string]string, 0, len(s.actions))
	for _, a := range s.actions {
		actions = append(actions, map[string]string{
			"id":          a.ID,
			"name":        a.Name,
			"description": a.Description,
		})
	}
	s.actionsMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": []map[string]any{{
			"id":          "default",
			"name":        s.cfg.AgentCommand,
			"description": fmt.Sprintf("ACP agent (%s)", s.cfg.AgentCommand),
			"status":      status,
			"actions":     actions,
		}},
	})
}

type agentRespondRequest struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
	OptionID  string `json:"option_id,omitempty"`
}

// handleAgentRespond resolves a pending permission request surfaced
// over the event stream.
func (s *Server) handleAgentRespond(w http.ResponseWriter, r *http.Request) {
	var req agentRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "Missing request_id")
		return
	}

	outcome := acp.OutcomeDenied
	if req.Outcome == "approved" {
		outcome = acp.OutcomeApproved
	}

	if !s.agent.RespondPermission(req.RequestID, outcome, req.OptionID) {
		writeError(w, http.StatusNotFound, "Request not found or already responded")
		return
	}
	s.log.Info("responded to agent request", "request_id", req.RequestID, "outcome", req.Outcome)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"request_id": req.RequestID,
		"outcome":    string(outcome),
	})
}

// handleTriggerAction renders a configured action prompt and runs it
// through the agent in the background.
func (s *Server) handleTriggerAction(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	actionID := r.PathValue("action")

	action, ok := s.action(actionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown action")
		return
	}

	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		params = nil
	}
	prompt := action.RenderPrompt(params)

	ctx := r.Context()
	id, err := s.store.CreateInteraction(ctx, map[string]any{
		"type":    "post",
		"content": prompt,
		"action":  actionID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if post, err := s.store.GetInteraction(ctx, id); err == nil {
		s.bus.Publish(bus.TopicPostCreated, post)
	}

	s.queueAgentResponse(id, prompt, agentID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "triggered",
		"agent_id":  agentID,
		"action_id": actionID,
		"thread_id": id,
	})
}

// queueAgentResponse schedules a background agent turn for a thread.
// Reports the drop on the bus when the queue refuses the job.
func (s *Server) queueAgentResponse(threadID int64, content, agentID string) {
	ok := s.queue.Enqueue(func(ctx context.Context) {
		s.processAgentResponse(ctx, threadID, content, agentID)
	})
	if !ok {
		s.log.Warn("agent response dropped, queue unavailable", "thread_id", threadID)
	}
}

// processAgentResponse prompts the agent and stores its answer as an
// agent_response interaction in the thread. Image and file blocks are
// written to the media table and referenced by id. Errors become a
// visible "[Error: ...]" post rather than a silent drop.
func (s *Server) processAgentResponse(ctx context.Context, threadID int64, content, agentID string) {
	blocks, err := s.agent.Prompt(ctx, content)
	if err != nil {
		s.log.Error("agent prompt failed", "thread_id", threadID, "error", err)
		s.storeAgentResponse(ctx, threadID, agentID, map[string]any{
			"type":      "agent_response",
			"content":   fmt.Sprintf("[Error: %v]", err),
			"agent_id":  agentID,
			"thread_id": threadID,
		}, "")
		return
	}

	var (
		text     string
		mediaIDs []int64
	)
	for _, block := range blocks {
		switch block.Type {
		case acp.BlockText:
			if text != "" {
				text += "\n"
			}
			text += block.Text
		case acp.BlockImage, acp.BlockFile:
			if id, ok := s.storeMediaBlock(ctx, block); ok {
				mediaIDs = append(mediaIDs, id)
			}
		}
	}

	s.storeAgentResponse(ctx, threadID, agentID, map[string]any{
		"type":           "agent_response",
		"content":        text,
		"content_blocks": blocks,
		"agent_id":       agentID,
		"thread_id":      threadID,
		"media_ids":      mediaIDs,
	}, text)
	s.log.Info("agent response posted", "thread_id", threadID, "media_count", len(mediaIDs))
}

func (s *Server) storeAgentResponse(ctx context.Context, threadID int64, agentID string, data map[string]any, previewText string) {
	id, err := s.store.CreateInteraction(ctx, data)
	if err != nil {
		s.log.Error("storing agent response failed", "thread_id", threadID, "error", err)
		return
	}
	if previewText != "" {
		s.previews.QueuePreviewFetch(id, previewText)
	}
	if in, err := s.store.GetInteraction(ctx, id); err == nil {
		s.bus.Publish(bus.TopicPostCreated, in)
	}
}

// storeMediaBlock persists an agent-produced image or file block.
func (s *Server) storeMediaBlock(ctx context.Context, block acp.ContentBlock) (int64, bool) {
	if block.Data == "" {
		if block.URI != "" {
			s.log.Info("media block references uri, not cached", "uri", block.URI)
		}
		return 0, false
	}

	data, err := base64.StdEncoding.DecodeString(block.Data)
	if err != nil {
		s.log.Warn("media block has invalid base64 payload", "error", err)
		return 0, false
	}

	mimeType := block.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	name := block.Name
	if name == "" {
		name = fmt.Sprintf("agent_%s", block.Type)
	}

	id, err := s.store.CreateMedia(ctx, name, mimeType, data, nil, map[string]any{
		"source":        "agent",
		"original_type": string(block.Type),
	})
	if err != nil {
		s.log.Error("storing agent media failed", "error", err)
		return 0, false
	}
	s.log.Info("stored agent media", "name", name, "mime_type", mimeType, "media_id", id)
	return id, true
}
