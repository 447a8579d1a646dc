package acp

import (
	"encoding/json"
	"strings"
)

// BlockType identifies the shape of a content block.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockImage        BlockType = "image"
	BlockFile         BlockType = "file"
	BlockResourceLink BlockType = "resource_link"
	BlockResource     BlockType = "resource"
)

// Channel is the destination a content block is routed to. It is derived
// once, from structured metadata only, and never reconsidered.
type Channel int

const (
	// ChannelFinal blocks form the authoritative assistant answer for a turn.
	ChannelFinal Channel = iota
	// ChannelDraft is the streaming view of the in-progress answer.
	ChannelDraft
	// ChannelThought is intermediate reasoning, never part of the answer.
	ChannelThought
	// ChannelPlan is the agent's shared plan, never part of the answer.
	ChannelPlan
)

// String returns the channel name for logging.
func (c Channel) String() string {
	switch c {
	case ChannelFinal:
		return "final"
	case ChannelDraft:
		return "draft"
	case ChannelThought:
		return "thought"
	case ChannelPlan:
		return "plan"
	default:
		return "unknown"
	}
}

// StreamMode tells a buffer how to apply incoming text. Agents that
// re-send the full cumulative text use replace; agents that send only new
// text use append. The mode flag is the only reconciliation mechanism;
// text is never diffed or deduplicated by inspection. An absent mode is
// treated as append, accepting possible duplication from agents that
// stream snapshots without saying so.
type StreamMode int

const (
	ModeAppend StreamMode = iota
	ModeReplace
)

// String returns the wire name of the mode.
func (m StreamMode) String() string {
	if m == ModeReplace {
		return "replace"
	}
	return "append"
}

// ParseStreamMode maps a wire mode string to a StreamMode.
func ParseStreamMode(s string) StreamMode {
	if strings.EqualFold(s, "replace") {
		return ModeReplace
	}
	return ModeAppend
}

// ContentBlock is one piece of agent output in our internal shape,
// normalized from the several ACP wire forms.
type ContentBlock struct {
	Type        BlockType       `json:"type"`
	Text        string          `json:"text,omitempty"`
	Data        string          `json:"data,omitempty"` // base64 payload for image/file/resource blobs
	URI         string          `json:"uri,omitempty"`
	MimeType    string          `json:"mime_type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Size        int64           `json:"size,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// wireContentBlock is the raw ACP content block as sent by agents.
type wireContentBlock struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	Data        string          `json:"data"`
	URI         string          `json:"uri"`
	MimeType    string          `json:"mimeType"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Size        int64           `json:"size"`
	Annotations json.RawMessage `json:"annotations"`

	// Embedded resource payload ("resource" blocks)
	Resource *struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
		Text     string `json:"text"`
		Blob     string `json:"blob"`
	} `json:"resource"`

	// Nested content ("content" wrappers from some agents)
	Content json.RawMessage `json:"content"`

	// Metadata hints consulted by the Classifier
	Segment string `json:"segment"`
	ChanTag string `json:"channel"`
	Role    string `json:"role"`
}

// parseContentBlock converts one wire block into the internal shape.
// Unknown types are preserved as-is with their raw fields; truly
// shapeless values report not-ok.
func parseContentBlock(w wireContentBlock) (ContentBlock, bool) {
	switch w.Type {
	case "text":
		return ContentBlock{Type: BlockText, Text: w.Text, Annotations: w.Annotations}, true
	case "image":
		mime := w.MimeType
		if mime == "" {
			mime = "image/png"
		}
		return ContentBlock{
			Type:        BlockImage,
			Data:        w.Data,
			URI:         w.URI,
			MimeType:    mime,
			Name:        w.Name,
			Annotations: w.Annotations,
		}, true
	case "resource_link":
		name := w.Name
		if name == "" {
			name = "resource"
		}
		mime := w.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		return ContentBlock{
			Type:        BlockResourceLink,
			Name:        name,
			URI:         w.URI,
			MimeType:    mime,
			Description: w.Description,
			Title:       w.Title,
			Size:        w.Size,
			Annotations: w.Annotations,
		}, true
	case "resource":
		b := ContentBlock{Type: BlockResource, MimeType: "text/plain", Annotations: w.Annotations}
		if w.Resource != nil {
			b.URI = w.Resource.URI
			if w.Resource.MimeType != "" {
				b.MimeType = w.Resource.MimeType
			}
			b.Text = w.Resource.Text
			b.Data = w.Resource.Blob
		}
		return b, true
	case "file", "artifact":
		name := w.Name
		if name == "" {
			name = "unnamed"
		}
		mime := w.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		return ContentBlock{
			Type:        BlockFile,
			Name:        name,
			Data:        w.Data,
			URI:         w.URI,
			MimeType:    mime,
			Annotations: w.Annotations,
		}, true
	case "":
		return ContentBlock{}, false
	default:
		// Unknown type: keep what we can so nothing is silently lost.
		return ContentBlock{
			Type:        BlockType(w.Type),
			Text:        w.Text,
			Data:        w.Data,
			URI:         w.URI,
			MimeType:    w.MimeType,
			Name:        w.Name,
			Annotations: w.Annotations,
		}, true
	}
}

// collectContentBlocks flattens ACP content, which may be a single block,
// a list of blocks, or a wrapper object nesting either under "content".
func collectContentBlocks(raw json.RawMessage, out *[]wireContentBlock) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return
		}
		for _, item := range items {
			collectContentBlocks(item, out)
		}
		return
	}

	var w wireContentBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		return
	}
	if w.Type == "" && len(w.Content) > 0 {
		// Wrapper object: descend into its content.
		collectContentBlocks(w.Content, out)
		return
	}
	*out = append(*out, w)
}

// DefaultThoughtTags is the set of segment tags current agents use to mark
// intermediate reasoning. The protocol does not standardize these, so the
// set is a configurable allowlist on the Classifier rather than a fixed
// constant.
var DefaultThoughtTags = []string{"think", "thought", "thinking", "segment", "intent"}

// Classifier decides which channel a content block belongs to, using only
// structured metadata and annotations. Text is never inspected: a thought
// block whose text happens to contain "Final:" is still a thought.
type Classifier struct {
	thoughtTags map[string]bool
}

// NewClassifier builds a classifier recognizing the given thought tags.
// With no tags, DefaultThoughtTags is used.
func NewClassifier(tags ...string) *Classifier {
	if len(tags) == 0 {
		tags = DefaultThoughtTags
	}
	set := make(map[string]bool, len(tags)+1)
	for _, t := range tags {
		set[strings.ToLower(t)] = true
	}
	return &Classifier{thoughtTags: set}
}

// updateHints carries the update-level metadata fields a classifier may
// consult, extracted from the session/update payload.
type updateHints struct {
	Segment string `json:"segment"`
	Kind    string `json:"kind"`
	ChanTag string `json:"channel"`
	Role    string `json:"role"`
}

// segmentTag returns the first recognized thought/plan tag from the
// update hints, the block hints, or the block annotations, in that
// priority order. Empty means no tag matched.
func (c *Classifier) segmentTag(hints updateHints, block *wireContentBlock) string {
	for _, candidate := range []string{hints.Segment, hints.Kind, hints.ChanTag, hints.Role} {
		if tag := c.matchTag(candidate); tag != "" {
			return tag
		}
	}
	if block == nil {
		return ""
	}
	for _, candidate := range []string{block.Segment, block.ChanTag, block.Role} {
		if tag := c.matchTag(candidate); tag != "" {
			return tag
		}
	}
	return c.annotationTag(block.Annotations)
}

// matchTag normalizes a candidate tag and reports it if recognized.
func (c *Classifier) matchTag(candidate string) string {
	if candidate == "" {
		return ""
	}
	lower := strings.ToLower(candidate)
	if lower == "plan" || c.thoughtTags[lower] {
		return lower
	}
	return ""
}

// wireAnnotation is one annotation object. Agents disagree on field
// names, so several aliases are consulted.
type wireAnnotation struct {
	Type       string `json:"type"`
	Annotation string `json:"annotation"`
	Kind       string `json:"kind"`
	Segment    string `json:"segment"`
	Role       string `json:"role"`
	ChanTag    string `json:"channel"`
	Name       string `json:"name"`
	Value      string `json:"value"`
}

// annotationTag extracts a recognized tag from block annotations, which
// may be a single object or a list.
func (c *Classifier) annotationTag(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	var anns []wireAnnotation
	if trimmed[0] == '[' {
		if err := json.Unmarshal(raw, &anns); err != nil {
			return ""
		}
	} else {
		var one wireAnnotation
		if err := json.Unmarshal(raw, &one); err != nil {
			return ""
		}
		anns = []wireAnnotation{one}
	}

	for _, a := range anns {
		aType := strings.ToLower(a.Type)
		if aType == "" {
			aType = strings.ToLower(a.Annotation)
		}
		var kind string
		for _, candidate := range []string{a.Kind, a.Segment, a.Role, a.ChanTag, a.Name, a.Value} {
			if candidate != "" {
				kind = strings.ToLower(candidate)
				break
			}
		}
		if aType == "segment" || aType == "thinking" || aType == "intent" {
			if kind != "" {
				if tag := c.matchTag(kind); tag != "" {
					return tag
				}
				return aType
			}
			return aType
		}
		if tag := c.matchTag(kind); tag != "" {
			return tag
		}
	}
	return ""
}

// ChannelFor classifies one content block of a session/update.
//
// updateType is the sessionUpdate discriminator ("agent_message_chunk",
// "agent_thought_chunk", "plan"). Priority order: explicit update-level
// tags, then block-level tags, then annotations, then the update type
// itself. Plan updates always route to the plan channel. Tool-call
// updates never reach this function; they carry no text content.
func (c *Classifier) ChannelFor(updateType string, hints updateHints, block *wireContentBlock) Channel {
	if updateType == "plan" {
		return ChannelPlan
	}
	if tag := c.segmentTag(hints, block); tag != "" {
		if tag == "plan" {
			return ChannelPlan
		}
		return ChannelThought
	}
	if updateType == "agent_thought_chunk" {
		return ChannelThought
	}
	return ChannelFinal
}
