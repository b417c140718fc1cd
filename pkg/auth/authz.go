package auth

import (
	"context"
	"net/http"
)

// Resources and actions used by the API's authorization checks. Every API
// operation maps to exactly one (resource, action) pair.
const (
	ResourceTask    = "tasker.task"
	ResourceStep    = "tasker.workflow_step"
	ResourceHandler = "tasker.handler"
	ResourceSystem  = "tasker.system"

	ActionIndex  = "index"
	ActionShow   = "show"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Authorizer decides whether a subject may perform an action on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, subject, resource, action string) error
}

// PermitAll allows every request. Used when authorization is disabled.
type PermitAll struct{}

// Authorize implements Authorizer.
func (PermitAll) Authorize(context.Context, string, string, string) error {
	return nil
}

// RequireAuthorization wraps a handler with an authorization check for one
// (resource, action) pair.
func RequireAuthorization(authorizer Authorizer, resource, action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if err := authorizer.Authorize(r.Context(), subject, resource, action); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
