package models

import "time"

// SecretVersion is one immutable version of a secret at (path, key).
// Versions are never physically removed by normal operations; "delete"
// flips the Deleted flag and stamps DeletedAt.
type SecretVersion struct {
	ID             int64          `json:"id,omitempty"`
	Path           string         `json:"path"`
	Key            string         `json:"key"`
	Version        int            `json:"version"`
	EncryptedValue string         `json:"encrypted_value"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Deleted        bool           `json:"deleted"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	UpdatedBy      string         `json:"updated_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// FullPath returns the hierarchical address including the leaf key.
func (s *SecretVersion) FullPath() string {
	return s.Path + "/" + s.Key
}

// VersionStats summarizes the version history of one (path, key),
// soft-deleted versions included.
type VersionStats struct {
	Path            string `json:"path"`
	TotalVersions   int64  `json:"total_versions"`
	EarliestVersion int    `json:"earliest_version"`
	LatestVersion   int    `json:"latest_version"`
}
