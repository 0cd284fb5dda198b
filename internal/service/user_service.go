package service

import (
	"context"
	"log/slog"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
)

// Profile is the decrypted, user-facing view of a credential record.
type Profile struct {
	ID         uint   `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	AdminLevel int    `json:"admin_level"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
	IsActive   bool   `json:"is_active"`
}

// UserService reads and writes credential records, handling at-rest
// encryption of the sensitive profile columns.
type UserService struct {
	users  repository.UserRepository
	cipher *security.FieldCipher
	logger *slog.Logger
}

func NewUserService(users repository.UserRepository, cipher *security.FieldCipher, logger *slog.Logger) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{users: users, cipher: cipher, logger: logger}
}

// GetProfile loads a user and decrypts the sensitive fields best
// effort: a field that fails decryption keeps its stored value and the
// failure is logged, the rest of the record is returned normally.
func (s *UserService) GetProfile(ctx context.Context, userID uint) (*Profile, error) {
	user, err := s.users.FindByID(userID)
	if err != nil {
		return nil, err
	}
	results := s.cipher.DecryptFields(map[string]string{
		"phone":   user.Phone,
		"address": user.Address,
	})
	for name, res := range results {
		if res.Err != nil {
			s.logger.WarnContext(ctx, "profile field decryption failed", "user_id", userID, "field", name)
		}
	}
	return &Profile{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		Role:       user.Role,
		AdminLevel: user.AdminLevel,
		Phone:      results["phone"].Value,
		Address:    results["address"].Value,
		IsActive:   user.IsActive,
	}, nil
}

// UpdateProfile encrypts and stores the sensitive fields. Unlike
// reads, writes are all-or-nothing.
func (s *UserService) UpdateProfile(ctx context.Context, userID uint, name, phone, address string) error {
	user, err := s.users.FindByID(userID)
	if err != nil {
		return err
	}
	encrypted, err := s.cipher.EncryptFields(map[string]string{
		"phone":   phone,
		"address": address,
	})
	if err != nil {
		return err
	}
	user.Name = name
	user.Phone = encrypted["phone"]
	user.Address = encrypted["address"]
	return s.users.Update(user)
}

// CreateUser registers a credential record with a freshly hashed
// password. Used by seeding and the registration flow.
func (s *UserService) CreateUser(ctx context.Context, email, password, name, role string) (*domain.User, error) {
	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.users.Create(user); err != nil {
		return nil, err
	}
	return user, nil
}
