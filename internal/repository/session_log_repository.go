package repository

import (
	"context"
	"errors"
	"time"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionLogRepository is the durable half of the session registry.
// Rows are appended at issuance and closed at rotation or logout;
// CleanupExpired is the only deletion path and only touches rows whose
// retention window has passed.
type SessionLogRepository interface {
	Append(s *domain.SessionLog) error
	FindOpenBySessionID(sessionID string) (*domain.SessionLog, error)
	FindByTokenID(tokenID string) (*domain.SessionLog, error)
	ListActiveByUserID(userID uint) ([]domain.SessionLog, error)
	ListOpenByFamilyID(familyID string) ([]domain.SessionLog, error)
	RotateLog(oldTokenID string, newLog *domain.SessionLog) (*domain.SessionLog, error)
	CloseBySessionID(sessionID, reason string) (bool, error)
	CloseByTokenID(tokenID, reason string) error
	CloseByUserID(userID uint, reason string) (int64, error)
	CloseByFamilyID(familyID, reason string) (int64, error)
	MarkReuseDetected(tokenID string) error
	CleanupExpired(retention time.Duration) (int64, error)
}

type GormSessionLogRepository struct{ db *gorm.DB }

func NewSessionLogRepository(db *gorm.DB) SessionLogRepository {
	return &GormSessionLogRepository{db: db}
}

func (r *GormSessionLogRepository) Append(s *domain.SessionLog) error {
	err := r.db.Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "append", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "append", "success")
	return nil
}

func (r *GormSessionLogRepository) FindOpenBySessionID(sessionID string) (*domain.SessionLog, error) {
	var s domain.SessionLog
	err := r.db.Where("session_id = ? AND logout_at IS NULL AND expires_at > ?", sessionID, time.Now()).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session_log", "find_open_by_session_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session_log", "find_open_by_session_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "find_open_by_session_id", "success")
	return &s, nil
}

func (r *GormSessionLogRepository) FindByTokenID(tokenID string) (*domain.SessionLog, error) {
	var s domain.SessionLog
	err := r.db.Where("token_id = ?", tokenID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session_log", "find_by_token_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session_log", "find_by_token_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "find_by_token_id", "success")
	return &s, nil
}

func (r *GormSessionLogRepository) ListActiveByUserID(userID uint) ([]domain.SessionLog, error) {
	var sessions []domain.SessionLog
	err := r.db.Where("user_id = ? AND logout_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "list_active_by_user_id", "error")
		return sessions, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "list_active_by_user_id", "success")
	return sessions, err
}

func (r *GormSessionLogRepository) ListOpenByFamilyID(familyID string) ([]domain.SessionLog, error) {
	var sessions []domain.SessionLog
	err := r.db.Where("family_id = ? AND logout_at IS NULL", familyID).Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "list_open_by_family_id", "error")
		return sessions, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "list_open_by_family_id", "success")
	return sessions, err
}

// RotateLog closes the row holding oldTokenID and appends newLog in one
// transaction. Exactly one concurrent rotation can win the row lock;
// the loser sees ErrSessionNotFound.
func (r *GormSessionLogRepository) RotateLog(oldTokenID string, newLog *domain.SessionLog) (*domain.SessionLog, error) {
	var rotated *domain.SessionLog
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var s domain.SessionLog
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ? AND logout_at IS NULL AND expires_at > ?", oldTokenID, time.Now()).
			First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		now := time.Now().UTC()
		reason := "rotated"
		if err := tx.Model(&domain.SessionLog{}).
			Where("id = ?", s.ID).
			Updates(map[string]any{"logout_at": now, "logout_reason": reason}).Error; err != nil {
			return err
		}
		if err := tx.Create(newLog).Error; err != nil {
			return err
		}
		s.LogoutAt = &now
		s.LogoutReason = &reason
		rotated = &s
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session_log", "rotate_log", "not_found")
		} else {
			observability.RecordRepositoryOperation(context.Background(), "session_log", "rotate_log", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "rotate_log", "success")
	return rotated, nil
}

func (r *GormSessionLogRepository) CloseBySessionID(sessionID, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.SessionLog{}).
		Where("session_id = ? AND logout_at IS NULL", sessionID).
		Updates(map[string]any{"logout_at": now, "logout_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_session_id", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_session_id", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionLogRepository) CloseByTokenID(tokenID, reason string) error {
	now := time.Now().UTC()
	err := r.db.Model(&domain.SessionLog{}).
		Where("token_id = ? AND logout_at IS NULL", tokenID).
		Updates(map[string]any{"logout_at": now, "logout_reason": reason}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_token_id", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_token_id", "success")
	return nil
}

func (r *GormSessionLogRepository) CloseByUserID(userID uint, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.SessionLog{}).
		Where("user_id = ? AND logout_at IS NULL", userID).
		Updates(map[string]any{"logout_at": now, "logout_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_user_id", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_user_id", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionLogRepository) CloseByFamilyID(familyID, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.SessionLog{}).
		Where("family_id = ? AND logout_at IS NULL", familyID).
		Updates(map[string]any{"logout_at": now, "logout_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_family_id", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "close_by_family_id", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionLogRepository) MarkReuseDetected(tokenID string) error {
	now := time.Now().UTC()
	reason := "reuse_detected"
	err := r.db.Model(&domain.SessionLog{}).
		Where("token_id = ?", tokenID).
		Updates(map[string]any{"reuse_detected_at": now, "logout_reason": reason}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "mark_reuse_detected", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "mark_reuse_detected", "success")
	return nil
}

func (r *GormSessionLogRepository) CleanupExpired(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := r.db.Where("expires_at <= ?", cutoff).Delete(&domain.SessionLog{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session_log", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session_log", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
