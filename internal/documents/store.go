// Package documents persists document content with a monotonically increasing
// version and answers whether a user may act on a document.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDocumentNotFound indicates that the document does not exist.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrVersionConflict indicates that the document moved past the expected version.
	ErrVersionConflict = errors.New("documents: version conflict")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier of the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew  = "documents.store.new"
	opCreate    = "documents.create"
	opGet       = "documents.get"
	opUpdate    = "documents.update"
	opCanAccess = "documents.can_access"
	opGrant     = "documents.grant"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the gorm-backed document store and access list.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// CreateRequest describes a new document. An empty ID is generated.
type CreateRequest struct {
	ID      string
	OwnerID changes.UserID
	Title   string
	Content string
}

// Create stores a document at version 1 and grants its owner access.
func (s *Store) Create(ctx context.Context, request CreateRequest) (Snapshot, error) {
	ownerID, err := changes.NewUserID(request.OwnerID.String())
	if err != nil {
		return Snapshot{}, newServiceError(opCreate, "invalid_owner", err)
	}
	documentID := strings.TrimSpace(request.ID)
	if documentID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err)
			return Snapshot{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		documentID = generated.String()
	}
	if _, err := changes.NewDocumentID(documentID); err != nil {
		return Snapshot{}, newServiceError(opCreate, "invalid_document_id", err)
	}

	document := Document{
		ID:      documentID,
		OwnerID: ownerID.String(),
		Title:   strings.TrimSpace(request.Title),
		Content: request.Content,
		Version: 1,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&document).Error; err != nil {
			return newServiceError(opCreate, "document_insert_failed", err)
		}
		owner := Member{DocumentID: document.ID, UserID: document.OwnerID, Role: RoleOwner}
		if err := tx.Create(&owner).Error; err != nil {
			return newServiceError(opCreate, "owner_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr, zap.String("document_id", documentID))
		return Snapshot{}, txErr
	}
	return snapshotOf(document), nil
}

// Get returns the current content and version of a document.
func (s *Store) Get(ctx context.Context, documentID changes.DocumentID) (Snapshot, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, newServiceError(opGet, "not_found", ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("document_id", documentID.String()))
		return Snapshot{}, newServiceError(opGet, "select_failed", err)
	}
	return snapshotOf(document), nil
}

// Update replaces the content of a document that is still at expectedVersion
// and returns the new version, which is always expectedVersion+1.
func (s *Store) Update(ctx context.Context, documentID changes.DocumentID, content string, expectedVersion int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("document_id = ? AND version = ?", documentID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"content":    content,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		s.logError(opUpdate, "update_failed", result.Error, zap.String("document_id", documentID.String()))
		return 0, newServiceError(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return expectedVersion + 1, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("document_id = ?", documentID.String()).Count(&count).Error; err != nil {
		return 0, newServiceError(opUpdate, "select_failed", err)
	}
	if count == 0 {
		return 0, newServiceError(opUpdate, "not_found", ErrDocumentNotFound)
	}
	return 0, newServiceError(opUpdate, "version_conflict", ErrVersionConflict)
}

// CanAccess reports whether userID is the owner or a member of documentID.
// Unknown documents fail with ErrDocumentNotFound.
func (s *Store) CanAccess(ctx context.Context, userID changes.UserID, documentID changes.DocumentID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Member{}).
		Where("document_id = ? AND user_id = ?", documentID.String(), userID.String()).
		Count(&count).Error
	if err != nil {
		s.logError(opCanAccess, "member_select_failed", err, zap.String("document_id", documentID.String()))
		return false, newServiceError(opCanAccess, "member_select_failed", err)
	}
	if count > 0 {
		return true, nil
	}
	var document Document
	err = s.db.WithContext(ctx).Where("document_id = ?", documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, newServiceError(opCanAccess, "not_found", ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opCanAccess, "owner_select_failed", err, zap.String("document_id", documentID.String()))
		return false, newServiceError(opCanAccess, "owner_select_failed", err)
	}
	return document.OwnerID == userID.String(), nil
}

// Grant gives userID the role on an existing document. Granting again updates the role.
func (s *Store) Grant(ctx context.Context, documentID changes.DocumentID, userID changes.UserID, role Role) error {
	if _, err := changes.NewUserID(userID.String()); err != nil {
		return newServiceError(opGrant, "invalid_user", err)
	}
	if role == "" {
		role = RoleEditor
	}
	if _, err := s.Get(ctx, documentID); err != nil {
		return err
	}
	member := Member{DocumentID: documentID.String(), UserID: userID.String(), Role: role}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
	if err != nil {
		s.logError(opGrant, "member_upsert_failed", err, zap.String("document_id", documentID.String()))
		return newServiceError(opGrant, "member_upsert_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents store error", attrs...)
}

func snapshotOf(document Document) Snapshot {
	return Snapshot{
		DocumentID: document.ID,
		Title:      document.Title,
		Content:    document.Content,
		Version:    document.Version,
	}
}
