package service

import (
	"errors"
	"time"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/repository"
)

// ErrAccountLocked blocks authentication while a lockout window is
// open.
var ErrAccountLocked = errors.New("account locked")

// LockStatus is the pre-login lock snapshot for one identity.
type LockStatus struct {
	IsLocked         bool `json:"is_locked"`
	Attempts         int  `json:"attempts"`
	RemainingMinutes int  `json:"remaining_minutes"`
}

// LockoutGuard tracks failed authentication attempts per identity and
// computes lock state. The counters live on the credential record.
type LockoutGuard struct {
	users        repository.UserRepository
	maxFailures  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewLockoutGuard(users repository.UserRepository, maxFailures int, lockDuration time.Duration) *LockoutGuard {
	return &LockoutGuard{
		users:        users,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

// CheckLockStatus reads the current failure count and lock expiry for
// an identity. Unknown identities report an unlocked zero status so
// the pre-login endpoint does not reveal which emails exist.
func (g *LockoutGuard) CheckLockStatus(email string) (LockStatus, error) {
	user, err := g.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return LockStatus{}, nil
		}
		return LockStatus{}, err
	}
	return g.StatusFor(user), nil
}

// StatusFor computes the lock snapshot from a loaded credential
// record. Remaining time rounds up to whole minutes.
func (g *LockoutGuard) StatusFor(user *domain.User) LockStatus {
	status := LockStatus{Attempts: user.FailedLoginAttempts}
	if user.LockoutUntil == nil {
		return status
	}
	remaining := user.LockoutUntil.Sub(g.now())
	if remaining <= 0 {
		return status
	}
	status.IsLocked = true
	status.RemainingMinutes = int((remaining + time.Minute - 1) / time.Minute)
	return status
}

// RegisterFailure bumps the failure counter and extends the lockout
// window once the threshold is reached. The window never moves
// backwards within an episode.
func (g *LockoutGuard) RegisterFailure(user *domain.User) (LockStatus, error) {
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= g.maxFailures {
		until := g.now().Add(g.lockDuration)
		if user.LockoutUntil == nil || until.After(*user.LockoutUntil) {
			user.LockoutUntil = &until
		}
	}
	if err := g.users.UpdateLockout(user.ID, user.FailedLoginAttempts, user.LockoutUntil); err != nil {
		return LockStatus{}, err
	}
	return g.StatusFor(user), nil
}

// RegisterSuccess resets the counters after a successful
// authentication.
func (g *LockoutGuard) RegisterSuccess(user *domain.User) error {
	if user.FailedLoginAttempts == 0 && user.LockoutUntil == nil {
		return nil
	}
	user.FailedLoginAttempts = 0
	user.LockoutUntil = nil
	return g.users.UpdateLockout(user.ID, 0, nil)
}
