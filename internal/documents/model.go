package documents

import "time"

// Role names a member's relationship to a document.
type Role string

const (
	// RoleOwner is granted to the creator of a document.
	RoleOwner Role = "owner"
	// RoleEditor may join and edit a document.
	RoleEditor Role = "editor"
)

// Document persists the current text of a collaborative document.
type Document struct {
	ID        string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	Title     string    `gorm:"column:title;size:320"`
	Content   string    `gorm:"column:content;type:text;not null"`
	Version   int64     `gorm:"column:version;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing documents.
func (Document) TableName() string {
	return "documents"
}

// Member grants a user access to a document.
type Member struct {
	DocumentID string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role       Role      `gorm:"column:role;size:32;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing document memberships.
func (Member) TableName() string {
	return "document_members"
}

// Snapshot is the content of a document at a version.
type Snapshot struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
}
