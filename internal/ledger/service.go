// Package ledger persists scraping sessions: an append-only archive of captured posts and
// generations of an editable ledger overlaid on it to produce one merged view per session.
// Callers serialize writers per session.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arachnova/eventscout/internal/capture"
)

var noOpLogger = zap.NewNop()

// ServiceConfig wires the ledger dependencies.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	SessionIDs  IDProvider
	SnapshotIDs IDProvider
	Logger      *zap.Logger
}

// Service implements the session ledger on top of GORM.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	sessionIDs  IDProvider
	snapshotIDs IDProvider
	logger      *zap.Logger
}

// NewService validates the configuration and fills defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sessionIDs := cfg.SessionIDs
	if sessionIDs == nil {
		sessionIDs = NewUUIDProvider()
	}
	snapshotIDs := cfg.SnapshotIDs
	if snapshotIDs == nil {
		snapshotIDs = NewULIDProvider(clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		sessionIDs:  sessionIDs,
		snapshotIDs: snapshotIDs,
		logger:      logger,
	}, nil
}

// RegisterRequest describes a new scraping session.
type RegisterRequest struct {
	SessionID  string
	ArchiveRef string
	Username   string
	ProfileURL string
}

// MutationResult reports the outcome of a single mutation.
type MutationResult struct {
	Success        bool `json:"success"`
	RowsAffected   int  `json:"rows_affected"`
	FieldsAffected int  `json:"fields_affected"`
}

// RegisterSession creates a pending session. A missing identifier is generated and the
// archive reference defaults to the session identifier.
func (s *Service) RegisterSession(ctx context.Context, request RegisterRequest) (Session, error) {
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		generated, err := s.sessionIDs.NewID()
		if err != nil {
			s.logError(opRegisterSession, "id_generation_failed", err)
			return Session{}, newServiceError(opRegisterSession, "id_generation_failed", err)
		}
		sessionID = generated
	}
	archiveRef := strings.TrimSpace(request.ArchiveRef)
	if archiveRef == "" {
		archiveRef = sessionID
	}
	now := s.clock().UTC().Unix()
	session := Session{
		SessionID:        sessionID,
		ArchiveRef:       archiveRef,
		Username:         strings.TrimSpace(request.Username),
		ProfileURL:       strings.TrimSpace(request.ProfileURL),
		CreatedAtSeconds: now,
		Status:           StatusPending,
		StatusAtSeconds:  now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Session{}).Where("session_id = ?", sessionID).Count(&existing).Error; err != nil {
			return newServiceError(opRegisterSession, "query_failed", err)
		}
		if existing > 0 {
			return newServiceError(opRegisterSession, "duplicate_session", fmt.Errorf("%w: session %s exists", ErrMalformedInput, sessionID))
		}
		if err := tx.Create(&session).Error; err != nil {
			return newServiceError(opRegisterSession, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opRegisterSession, "transaction_failed", err, zap.String("session_id", sessionID))
		return Session{}, err
	}
	return session, nil
}

// AppendArchivePost stores a capture and its extracted fields. Archive posts are never
// rewritten; a repeated post index is rejected.
func (s *Service) AppendArchivePost(ctx context.Context, record capture.Record) (MutationResult, error) {
	sessionID := record.Capture.SessionID
	post := ArchivePost{
		SessionID:        sessionID,
		PostIndex:        record.Capture.PostIndex,
		PostURL:          record.Capture.PostURL,
		RawCaption:       record.Capture.RawCaption,
		RawDate:          record.Capture.RawDate,
		ImageURL:         record.Capture.ImageURL,
		EventTitle:       record.Fields.EventTitle,
		Organizer:        record.Fields.Organizer,
		EventDate:        record.Fields.EventDate,
		Location:         record.Fields.Location,
		Fee:              record.Fields.Fee,
		PhoneNumbers:     joinPhones(record.Fields.PhoneNumbers),
		ContactPersons:   encodeContacts(record.Fields.ContactPersons),
		Source:           string(record.Fields.Source),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if post.PostIndex < 0 {
		return MutationResult{}, newServiceError(opAppendArchivePost, "invalid_post_index", fmt.Errorf("%w: post index %d", ErrMalformedInput, post.PostIndex))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadSession(tx, sessionID); err != nil {
			return newServiceError(opAppendArchivePost, "session_missing", err)
		}
		var existing int64
		if err := tx.Model(&ArchivePost{}).
			Where("session_id = ? AND post_index = ?", sessionID, post.PostIndex).
			Count(&existing).Error; err != nil {
			return newServiceError(opAppendArchivePost, "query_failed", err)
		}
		if existing > 0 {
			return newServiceError(opAppendArchivePost, "duplicate_post", fmt.Errorf("%w: post %d already archived", ErrMalformedInput, post.PostIndex))
		}
		if err := tx.Create(&post).Error; err != nil {
			return newServiceError(opAppendArchivePost, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opAppendArchivePost, "transaction_failed", err,
			zap.String("session_id", sessionID),
			zap.Int("post_index", post.PostIndex))
		return MutationResult{}, err
	}
	return MutationResult{Success: true, RowsAffected: 1}, nil
}

// SetStatus moves a session forward. Backward moves and leaving error are rejected.
func (s *Service) SetStatus(ctx context.Context, sessionID string, status Status) (MutationResult, error) {
	next, err := ParseStatus(string(status))
	if err != nil {
		return MutationResult{}, newServiceError(opSetStatus, "invalid_status", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := loadSession(tx, sessionID)
		if err != nil {
			return newServiceError(opSetStatus, "session_missing", err)
		}
		if !CanTransition(session.Status, next) {
			return newServiceError(opSetStatus, "invalid_transition",
				fmt.Errorf("%w: %s -> %s", ErrMalformedInput, session.Status, next))
		}
		return s.writeStatus(tx, sessionID, next, opSetStatus)
	})
	if err != nil {
		s.logError(opSetStatus, "transaction_failed", err, zap.String("session_id", sessionID), zap.String("status", string(next)))
		return MutationResult{}, err
	}
	return MutationResult{Success: true, RowsAffected: 1, FieldsAffected: 1}, nil
}

// SetSyncFlag records whether the session has been pushed to the remote collaborator.
func (s *Service) SetSyncFlag(ctx context.Context, sessionID string, synced bool) (MutationResult, error) {
	result := s.db.WithContext(ctx).Model(&Session{}).Where("session_id = ?", sessionID).Update("synced", synced)
	if result.Error != nil {
		s.logError(opSetSyncFlag, "update_failed", result.Error, zap.String("session_id", sessionID))
		return MutationResult{}, newServiceError(opSetSyncFlag, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return MutationResult{}, newServiceError(opSetSyncFlag, "session_missing", fmt.Errorf("%w: session %s", ErrNotFound, sessionID))
	}
	return MutationResult{Success: true, RowsAffected: int(result.RowsAffected), FieldsAffected: 1}, nil
}

// FinalizeArchive records the number of posts captured for the session.
func (s *Service) FinalizeArchive(ctx context.Context, sessionID string, totalPosts int) (MutationResult, error) {
	if totalPosts < 0 {
		return MutationResult{}, newServiceError(opFinalizeArchive, "invalid_total", fmt.Errorf("%w: total %d", ErrMalformedInput, totalPosts))
	}
	result := s.db.WithContext(ctx).Model(&Session{}).Where("session_id = ?", sessionID).Update("total_posts", totalPosts)
	if result.Error != nil {
		s.logError(opFinalizeArchive, "update_failed", result.Error, zap.String("session_id", sessionID))
		return MutationResult{}, newServiceError(opFinalizeArchive, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return MutationResult{}, newServiceError(opFinalizeArchive, "session_missing", fmt.Errorf("%w: session %s", ErrNotFound, sessionID))
	}
	return MutationResult{Success: true, RowsAffected: 1, FieldsAffected: 1}, nil
}

// ListSessions returns every session, newest first.
func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := s.db.WithContext(ctx).Order("created_at_s DESC").Order("session_id DESC").Find(&sessions).Error; err != nil {
		s.logError(opListSessions, "query_failed", err)
		return nil, newServiceError(opListSessions, "query_failed", err)
	}
	return sessions, nil
}

// GetSession loads one session record.
func (s *Service) GetSession(ctx context.Context, sessionID string) (Session, error) {
	session, err := loadSession(s.db.WithContext(ctx), sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opGetSession, "query_failed", err, zap.String("session_id", sessionID))
		}
		return Session{}, newServiceError(opGetSession, "lookup_failed", err)
	}
	return session, nil
}

func (s *Service) writeStatus(tx *gorm.DB, sessionID string, status Status, operation string) error {
	updates := map[string]any{
		"status":      status,
		"status_at_s": s.clock().UTC().Unix(),
	}
	if err := tx.Model(&Session{}).Where("session_id = ?", sessionID).Updates(updates).Error; err != nil {
		return newServiceError(operation, "status_update_failed", err)
	}
	return nil
}

func loadSession(tx *gorm.DB, sessionID string) (Session, error) {
	var session Session
	err := tx.Where("session_id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// loadArchiveSession loads a session that has an archive to merge against.
func loadArchiveSession(tx *gorm.DB, sessionID string) (Session, error) {
	session, err := loadSession(tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(session.ArchiveRef) == "" {
		return Session{}, fmt.Errorf("%w: session %s has no archive", ErrNotFound, sessionID)
	}
	return session, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
