package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingSessionKey   = errors.New("session key is required")
	errMissingAnnotationID = errors.New("annotation id is required")
	noOpLogger             = zap.NewNop()

	// ErrSessionNotFound indicates an unknown session key.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrAnnotationNotFound indicates a delete for an id the session does
	// not hold.
	ErrAnnotationNotFound = errors.New("store: annotation not found")
)

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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "annotations.service.new"
	opCreateSession    = "annotations.create_session"
	opGetSession       = "annotations.get_session"
	opListAnnotations  = "annotations.list"
	opGetAnnotation    = "annotations.get"
	opUpsertAnnotation = "annotations.upsert"
	opDeleteAnnotation = "annotations.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists sessions and their annotations. It owns the canonical
// form of every record: timestamps are stamped here, not trusted from the
// client.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// CreateSession stores a new session row. The key must be unique; the
// creation time is stamped here.
func (s *Service) CreateSession(ctx context.Context, session Session) (Session, error) {
	if session.SessionKey == "" {
		return Session{}, newServiceError(opCreateSession, "missing_session_key", errMissingSessionKey)
	}
	session.CreatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return Session{}, newServiceError(opCreateSession, "persist_failed", err)
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, sessionKey string) (Session, error) {
	if sessionKey == "" {
		return Session{}, newServiceError(opGetSession, "missing_session_key", errMissingSessionKey)
	}
	var session Session
	err := s.db.WithContext(ctx).Where("session_key = ?", sessionKey).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, newServiceError(opGetSession, "not_found", ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, newServiceError(opGetSession, "query_failed", err)
	}
	return session, nil
}

// ListAnnotations returns every annotation of the session in creation
// order, tombstones included.
func (s *Service) ListAnnotations(ctx context.Context, sessionKey string) ([]annotation.Annotation, error) {
	if sessionKey == "" {
		return nil, newServiceError(opListAnnotations, "missing_session_key", errMissingSessionKey)
	}
	var rows []Record
	err := s.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Order("created_at_s ASC, annotation_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newServiceError(opListAnnotations, "query_failed", err)
	}

	records := make([]annotation.Annotation, 0, len(rows))
	for _, row := range rows {
		decoded, err := annotation.Decode([]byte(row.PayloadJSON))
		if err != nil {
			return nil, newServiceError(opListAnnotations, "corrupt_payload", err)
		}
		records = append(records, decoded)
	}
	return records, nil
}

// GetAnnotation returns one annotation of the session, tombstoned or not.
func (s *Service) GetAnnotation(ctx context.Context, sessionKey, annotationID string) (annotation.Annotation, error) {
	if sessionKey == "" {
		return annotation.Annotation{}, newServiceError(opGetAnnotation, "missing_session_key", errMissingSessionKey)
	}
	if annotationID == "" {
		return annotation.Annotation{}, newServiceError(opGetAnnotation, "missing_annotation_id", errMissingAnnotationID)
	}
	var row Record
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND annotation_id = ?", sessionKey, annotationID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return annotation.Annotation{}, newServiceError(opGetAnnotation, "not_found", ErrAnnotationNotFound)
	}
	if err != nil {
		return annotation.Annotation{}, newServiceError(opGetAnnotation, "query_failed", err)
	}
	decoded, err := annotation.Decode([]byte(row.PayloadJSON))
	if err != nil {
		return annotation.Annotation{}, newServiceError(opGetAnnotation, "corrupt_payload", err)
	}
	return decoded, nil
}

// UpsertAnnotation writes one annotation and returns its canonical form.
// Creation and modification times are stamped from the service clock; an
// upsert of a tombstoned id revives it.
func (s *Service) UpsertAnnotation(ctx context.Context, sessionKey string, record annotation.Annotation) (annotation.Annotation, error) {
	if sessionKey == "" {
		return annotation.Annotation{}, newServiceError(opUpsertAnnotation, "missing_session_key", errMissingSessionKey)
	}
	if record.ID == "" {
		return annotation.Annotation{}, newServiceError(opUpsertAnnotation, "missing_annotation_id", errMissingAnnotationID)
	}

	now := s.clock().UTC().Truncate(time.Millisecond)
	createdAt := now
	createdAtSeconds := now.Unix()

	var existing Record
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND annotation_id = ?", sessionKey, record.ID).
		Take(&existing).Error
	switch {
	case err == nil:
		createdAtSeconds = existing.CreatedAtSeconds
		createdAt = time.Unix(existing.CreatedAtSeconds, 0).UTC()
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return annotation.Annotation{}, newServiceError(opUpsertAnnotation, "query_failed", err)
	}

	record.CreatedAt = &createdAt
	record.ModifiedAt = &now
	record.Deleted = false
	record.DeletedAt = nil
	record.DeletedBy = ""
	record.DeletedByID = ""

	payload, err := annotation.Encode(record)
	if err != nil {
		return annotation.Annotation{}, newServiceError(opUpsertAnnotation, "encode_failed", err)
	}

	row := Record{
		SessionKey:        sessionKey,
		AnnotationID:      record.ID,
		UserID:            record.UserID,
		UserName:          record.UserName,
		Page:              int64(record.Page),
		PayloadJSON:       string(payload),
		CreatedAtSeconds:  createdAtSeconds,
		ModifiedAtSeconds: now.Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_key"}, {Name: "annotation_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return annotation.Annotation{}, newServiceError(opUpsertAnnotation, "persist_failed", err)
	}
	return record, nil
}

// DeleteAnnotation tombstones one annotation, recording who removed it. The
// row stays queryable so the list endpoint keeps reporting the removal.
func (s *Service) DeleteAnnotation(ctx context.Context, sessionKey, annotationID, deletedBy, deletedByID string) error {
	if sessionKey == "" {
		return newServiceError(opDeleteAnnotation, "missing_session_key", errMissingSessionKey)
	}
	if annotationID == "" {
		return newServiceError(opDeleteAnnotation, "missing_annotation_id", errMissingAnnotationID)
	}

	var row Record
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND annotation_id = ?", sessionKey, annotationID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opDeleteAnnotation, "not_found", ErrAnnotationNotFound)
	}
	if err != nil {
		return newServiceError(opDeleteAnnotation, "query_failed", err)
	}

	decoded, err := annotation.Decode([]byte(row.PayloadJSON))
	if err != nil {
		return newServiceError(opDeleteAnnotation, "corrupt_payload", err)
	}

	now := s.clock().UTC().Truncate(time.Millisecond)
	decoded.Deleted = true
	decoded.DeletedAt = &now
	decoded.DeletedBy = deletedBy
	decoded.DeletedByID = deletedByID
	payload, err := annotation.Encode(decoded)
	if err != nil {
		return newServiceError(opDeleteAnnotation, "encode_failed", err)
	}

	updates := map[string]any{
		"deleted":       true,
		"deleted_by":    deletedBy,
		"deleted_by_id": deletedByID,
		"deleted_at_s":  now.Unix(),
		"payload_json":  string(payload),
	}
	err = s.db.WithContext(ctx).Model(&Record{}).
		Where("session_key = ? AND annotation_id = ?", sessionKey, annotationID).
		Updates(updates).Error
	if err != nil {
		return newServiceError(opDeleteAnnotation, "persist_failed", err)
	}
	return nil
}
