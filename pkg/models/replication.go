package models

import "time"

// EntityType tags which kind of record a replication event carries.
type EntityType string

const (
	EntitySecret   EntityType = "SECRET"
	EntityIdentity EntityType = "IDENTITY"
	EntityPolicy   EntityType = "POLICY"
)

// OperationType tags the mutation a replication event records.
type OperationType string

const (
	OpCreate OperationType = "CREATE"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
)

// ReplicationEvent is an immutable append-only record of one mutation,
// tagged with the instance that produced it. Only other instances ever
// mark an event processed; an instance never re-applies its own events.
type ReplicationEvent struct {
	ID             int64         `json:"id"`
	EntityType     EntityType    `json:"entity_type"`
	EntityID       string        `json:"entity_id"`
	Operation      OperationType `json:"operation"`
	EntityData     []byte        `json:"entity_data"`
	SourceInstance string        `json:"source_instance"`
	Timestamp      time.Time     `json:"timestamp"`
	Processed      bool          `json:"processed"`
}
