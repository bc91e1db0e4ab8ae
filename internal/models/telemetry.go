package models

import (
	"encoding/json"
	"time"
)

// TelemetryRecord is a single accepted telemetry sample. Records are never mutated.
type TelemetryRecord struct {
	ID          string          `json:"id"`
	ClusterID   string          `json:"cluster_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CollectedAt time.Time       `json:"collected_at"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Cluster is a connected Kubernetes cluster.
type Cluster struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// Credential binds an ingestion/agent token to a cluster. Only the token hash is stored.
type Credential struct {
	TokenHash  string    `json:"token_hash"`
	ClusterID  string    `json:"cluster_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}
