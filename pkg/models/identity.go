package models

import "time"

// IdentityType distinguishes human users from service accounts.
type IdentityType string

const (
	IdentityUser    IdentityType = "user"
	IdentityService IdentityType = "service"
)

// Identity is a caller known to the vault. Policies holds the names of
// the policies attached to it; the auth boundary resolves these before
// any core operation runs.
type Identity struct {
	ID           int64        `json:"id,omitempty"`
	Name         string       `json:"name"`
	PasswordHash string       `json:"-"`
	Type         IdentityType `json:"type"`
	Enabled      bool         `json:"enabled"`
	Policies     []string     `json:"policies"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LastLoginAt  *time.Time   `json:"last_login_at,omitempty"`
}

// IdentityEvent is the change-log payload for identity mutations.
// Identity never serializes its password hash, but replicas need it to
// authenticate logins, so the event shape carries it explicitly.
type IdentityEvent struct {
	Name         string       `json:"name"`
	PasswordHash string       `json:"password_hash,omitempty"`
	Type         IdentityType `json:"type"`
	Enabled      bool         `json:"enabled"`
	Policies     []string     `json:"policies"`
}

// Event converts the identity into its change-log payload.
func (i *Identity) Event() *IdentityEvent {
	return &IdentityEvent{
		Name:         i.Name,
		PasswordHash: i.PasswordHash,
		Type:         i.Type,
		Enabled:      i.Enabled,
		Policies:     i.Policies,
	}
}

// Token is the resolved claims contract of a bearer token: who the
// caller is, what kind of identity it is, which policies it carries,
// and when it stops being valid.
type Token struct {
	ID        string       `json:"id"`
	Subject   string       `json:"subject"`
	Type      IdentityType `json:"type"`
	Policies  []string     `json:"policies"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	RevokedAt *time.Time   `json:"revoked_at,omitempty"`
}

// IsExpired reports whether the token has passed its expiry.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// IsRevoked reports whether the token has been revoked.
func (t *Token) IsRevoked() bool {
	return t.RevokedAt != nil
}
