package server

import (
	"workvault/internal/audit"
	"workvault/internal/vault"
)

// StatusResponse reports live bucket counts.
type StatusResponse struct {
	VaultRoot    string         `json:"vault_root"`
	BucketCounts map[string]int `json:"bucket_counts"`
}

// ItemSummary is the listing view of an item.
type ItemSummary struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	Source     string `json:"source,omitempty"`
	Action     string `json:"action,omitempty"`
	SourceTask string `json:"source_task,omitempty"`
	Created    string `json:"created,omitempty"`
	Expires    string `json:"expires,omitempty"`
}

// ItemListResponse wraps a bucket listing.
type ItemListResponse struct {
	Bucket string        `json:"bucket"`
	Items  []ItemSummary `json:"items"`
}

// ItemResponse is the full item view.
type ItemResponse struct {
	ItemSummary
	CorrelationID string         `json:"correlation_id,omitempty"`
	ClaimedBy     string         `json:"claimed_by,omitempty"`
	ClaimedAt     string         `json:"claimed_at,omitempty"`
	Extra         map[string]any `json:"extra,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Body          string         `json:"content"`
}

// DecisionResponse reports where a decided request landed.
type DecisionResponse struct {
	Name     string `json:"name"`
	Decision string `json:"decision"`
	Bucket   string `json:"bucket"`
}

// AgentResponse is one agent's health view.
type AgentResponse struct {
	AgentID        string         `json:"agent_id"`
	Role           string         `json:"role"`
	Status         string         `json:"status"`
	LastSeen       string         `json:"last_seen"`
	Classification string         `json:"classification"`
	Counters       map[string]int `json:"counters,omitempty"`
}

// LogsResponse wraps an audit log query.
type LogsResponse struct {
	Entries []audit.Entry `json:"entries"`
	Summary audit.Summary `json:"summary"`
}

func itemSummary(it vault.Item) ItemSummary {
	return ItemSummary{
		Name:       it.Name,
		Type:       it.Header.Type,
		Source:     it.Header.Source,
		Action:     it.Header.Action,
		SourceTask: it.Header.SourceTask,
		Created:    it.Header.Created,
		Expires:    it.Header.Expires,
	}
}

func itemResponse(it vault.Item) ItemResponse {
	return ItemResponse{
		ItemSummary:   itemSummary(it),
		CorrelationID: it.Header.CorrelationID,
		ClaimedBy:     it.Header.ClaimedBy,
		ClaimedAt:     it.Header.ClaimedAt,
		Extra:         it.Header.Extra,
		Body:          it.Body,
	}
}
