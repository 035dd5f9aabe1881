package users

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the canonical collaborator id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing collaborator identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is what other collaborators see of a user.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// displayNameFor picks the best label available: the explicit name, the local
// part of the email, then the id.
func displayNameFor(identity Identity) string {
	if name := normalize(identity.DisplayName); name != "" {
		return name
	}
	if email := normalize(identity.Email); email != "" {
		if at := strings.Index(email, "@"); at > 0 {
			return email[:at]
		}
		return email
	}
	return identity.UserID
}
