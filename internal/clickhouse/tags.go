package clickhouse

import (
	"encoding/json"
)

// LogCommentKey is the settings key ClickHouse exposes in system.query_log
// for structured query annotations.
const LogCommentKey = "log_comment"

// QueryTags annotates outgoing queries for observability. Tags are plain
// values threaded explicitly through call chains; merging never mutates a
// shared instance.
type QueryTags struct {
	Kind          string `json:"kind,omitempty"`
	Product       string `json:"product,omitempty"`
	TeamID        int64  `json:"team_id,omitempty"`
	DestinationID string `json:"destination_id,omitempty"`
	QueryID       string `json:"query_id,omitempty"`

	// Orchestration metadata, present only when the query is issued from
	// inside an orchestrated run attempt.
	WorkflowNamespace string `json:"workflow_namespace,omitempty"`
	WorkflowType      string `json:"workflow_type,omitempty"`
	WorkflowID        string `json:"workflow_id,omitempty"`
	WorkflowRunID     string `json:"workflow_run_id,omitempty"`
	ActivityType      string `json:"activity_type,omitempty"`
	Attempt           int    `json:"attempt,omitempty"`
}

// toMap returns the tags as a generic JSON object, omitting zero fields.
func (t QueryTags) toMap() (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddLogComment writes the tags' JSON serialization into params under
// LogCommentKey.
//
// If params already holds a value under that key and it decodes as a JSON
// object, the decoded object is merged over a copy of these tags (the
// pre-existing fields win) and the result is written back to the same key.
// If the pre-existing value is malformed JSON it is left untouched and no
// merge is attempted.
func (t QueryTags) AddLogComment(params map[string]string) error {
	existing, ok := params[LogCommentKey]
	if !ok {
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		params[LogCommentKey] = string(raw)
		return nil
	}

	decoded := map[string]any{}
	if err := json.Unmarshal([]byte(existing), &decoded); err != nil {
		// Malformed pre-existing comment: leave it alone.
		return nil
	}

	merged, err := t.toMap()
	if err != nil {
		return err
	}
	for k, v := range decoded {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	params[LogCommentKey] = string(raw)
	return nil
}
