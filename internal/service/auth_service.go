package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
)

// ErrInvalidCredentials covers every login failure that is not a
// lockout: unknown email, wrong password, disabled account. Callers
// must not let the response distinguish between them.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService owns the password login flow: lockout enforcement,
// password verification, counter updates and token issuance.
type AuthService struct {
	users   repository.UserRepository
	tokens  *TokenService
	lockout *LockoutGuard
	logger  *slog.Logger
}

func NewAuthService(users repository.UserRepository, tokens *TokenService, lockout *LockoutGuard, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{users: users, tokens: tokens, lockout: lockout, logger: logger}
}

func (s *AuthService) Login(ctx context.Context, email, password string, meta RequestMeta) (*TokenPair, *domain.User, error) {
	user, err := s.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if status := s.lockout.StatusFor(user); status.IsLocked {
		return nil, nil, ErrAccountLocked
	}

	if !security.VerifyPassword(password, user.PasswordHash) {
		if _, err := s.lockout.RegisterFailure(user); err != nil {
			s.logger.ErrorContext(ctx, "lockout counter update failed", "user_id", user.ID, "error", err)
		}
		return nil, nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, nil, ErrInvalidCredentials
	}

	if err := s.lockout.RegisterSuccess(user); err != nil {
		s.logger.ErrorContext(ctx, "lockout reset failed", "user_id", user.ID, "error", err)
	}

	pair, err := s.tokens.Issue(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}
