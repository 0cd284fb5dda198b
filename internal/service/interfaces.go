package service

import (
	"net/http"

	"github.com/stayflow/stayflow-backend/internal/domain"
)

// PrincipalResolver is what the auth middleware needs from the
// authenticator.
type PrincipalResolver interface {
	ResolvePrincipal(r *http.Request) (*domain.Principal, string, bool)
}
