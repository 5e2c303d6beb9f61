package models

import "time"

// Actions a policy rule can grant on a path.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionList   = "list"
	ActionAny    = "*"
)

// AdminPolicy is the reserved policy name that grants everything.
const AdminPolicy = "admin"

// Policy is a named, reusable set of allow rules. Each rule is
// "<action>:<pathPattern>" where the pattern is a glob over /-segmented
// paths using * and ?. The rule set is unordered and allow-only:
// absence of a matching rule is the only form of denial.
type Policy struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Rules       []string  `json:"rules"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}
