package models

import (
	"encoding/json"
	"time"
)

// FileArtifact is the query-layer projection of a file_gen event. It is not
// a separate stored entity — the store derives it from the event row.
type FileArtifact struct {
	EventID        string    `json:"event_id"`
	RunID          string    `json:"run_id"`
	NodeID         string    `json:"node_id,omitempty"`
	Path           string    `json:"path"`
	FileType       string    `json:"file_type"`
	SizeBytes      int64     `json:"size_bytes"`
	Content        string    `json:"content,omitempty"`
	ContentOmitted bool      `json:"content_omitted,omitempty"`
	Agent          string    `json:"agent,omitempty"`
	TriggerEventID string    `json:"trigger_event_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileFromEvent projects a file_gen event into the artifact view. Returns
// false if ev is not a file_gen event or its payload cannot be decoded.
func FileFromEvent(ev *Event) (*FileArtifact, bool) {
	if ev.Type != EventFileGen {
		return nil, false
	}
	var out struct {
		Path           string `json:"path"`
		FileType       string `json:"file_type"`
		SizeBytes      int64  `json:"size_bytes"`
		Content        string `json:"content"`
		ContentOmitted bool   `json:"content_omitted"`
	}
	if err := json.Unmarshal(ev.Outputs, &out); err != nil {
		return nil, false
	}
	var meta struct {
		TriggerEventID string `json:"trigger_event_id"`
	}
	_ = json.Unmarshal(ev.Meta, &meta)

	f := &FileArtifact{
		EventID:        ev.ID,
		RunID:          ev.RunID,
		Path:           out.Path,
		FileType:       out.FileType,
		SizeBytes:      out.SizeBytes,
		Content:        out.Content,
		ContentOmitted: out.ContentOmitted,
		Agent:          ev.AgentName,
		TriggerEventID: meta.TriggerEventID,
		CreatedAt:      ev.Timestamp,
	}
	if ev.NodeID != nil {
		f.NodeID = *ev.NodeID
	}
	return f, true
}
