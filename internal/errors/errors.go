// Package errors provides structured error types for tenantflow.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for tenantflow.
const (
	// Lookup errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"

	// Workflow errors
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeTransitionConflict Code = "TRANSITION_CONFLICT"

	// Infrastructure errors
	CodeProvisioningFailed Code = "PROVISIONING_FAILED"
	CodeTimeout            Code = "TIMEOUT"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Category groups error codes for status mapping by collaborators.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
)

var codeCategories = map[Code]Category{
	CodeNotFound:           CategoryNotFound,
	CodeConflict:           CategoryConflict,
	CodeInvalidTransition:  CategoryBadRequest,
	CodeInvalidState:       CategoryBadRequest,
	CodeTransitionConflict: CategoryConflict,
	CodeProvisioningFailed: CategoryInternal,
	CodeTimeout:            CategoryTimeout,
	CodeConfigInvalid:      CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	default:
		return 500
	}
}

// Error is the structured error type for tenantflow.
// What carries the identifiers needed to diagnose the failure
// (namespace, task id, status names) so callers never need the logs.
type Error struct {
	Code      Code   `json:"code"`
	What      string `json:"what"`
	Why       string `json:"why,omitempty"`
	Fix       string `json:"fix,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// Retryable reports whether the caller may retry the same operation.
// Only lost optimistic updates are retryable; validation errors are
// deterministic and provisioning retries happen inside the router.
func (e *Error) Retryable() bool {
	return e.Code == CodeTransitionConflict
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an *Error with the same code.
// This lets callers match on the code templates below:
//
//	errors.Is(err, flowerrors.NotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Cause = err
	return &cp
}

// Code templates for errors.Is matching.
var (
	NotFound           = &Error{Code: CodeNotFound}
	Conflict           = &Error{Code: CodeConflict}
	InvalidTransition  = &Error{Code: CodeInvalidTransition}
	InvalidState       = &Error{Code: CodeInvalidState}
	TransitionConflict = &Error{Code: CodeTransitionConflict}
	ProvisioningFailed = &Error{Code: CodeProvisioningFailed}
	Timeout            = &Error{Code: CodeTimeout}
)

// --- Error constructors ---

// ErrProjectNotFound returns an error when a project doesn't exist.
func ErrProjectNotFound(projectID string) *Error {
	return &Error{
		Code: CodeNotFound,
		What: fmt.Sprintf("project %s not found", projectID),
		Why:  "No project with this ID exists in the registry",
	}
}

// ErrNamespaceNotRegistered returns an error when a project exists but has no
// namespace yet, which happens while its database is being provisioned.
func ErrNamespaceNotRegistered(projectID string) *Error {
	return &Error{
		Code: CodeNotFound,
		What: fmt.Sprintf("project %s has no tenant namespace", projectID),
		Why:  "The project database has not finished provisioning",
		Fix:  "Retry once project creation completes",
	}
}

// ErrNamespaceConflict returns an error when a project already has a namespace.
func ErrNamespaceConflict(projectID, existing string) *Error {
	return &Error{
		Code:      CodeConflict,
		What:      fmt.Sprintf("project %s already has namespace %s", projectID, existing),
		Why:       "A namespace is registered exactly once, at project creation",
		Namespace: existing,
	}
}

// ErrNamespaceTaken returns an error when another project already owns a namespace.
func ErrNamespaceTaken(projectID, namespace string) *Error {
	return &Error{
		Code:      CodeConflict,
		What:      fmt.Sprintf("namespace %s requested by project %s is owned by another project", namespace, projectID),
		Namespace: namespace,
	}
}

// ErrNamespaceClosed returns an error when a namespace is being released
// or has no backing database.
func ErrNamespaceClosed(namespace string) *Error {
	return &Error{
		Code:      CodeNotFound,
		What:      fmt.Sprintf("tenant %s is not available", namespace),
		Why:       "The tenant database is being dropped or was never provisioned",
		Namespace: namespace,
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(namespace string, taskID int64) *Error {
	return &Error{
		Code:      CodeNotFound,
		What:      fmt.Sprintf("task %d not found in tenant %s", taskID, namespace),
		Namespace: namespace,
	}
}

// ErrStatusNotFound returns an error when a status doesn't exist.
func ErrStatusNotFound(namespace string, statusID int64) *Error {
	return &Error{
		Code:      CodeNotFound,
		What:      fmt.Sprintf("status %d not found in tenant %s", statusID, namespace),
		Why:       "The target status is not part of this tenant's workflow",
		Namespace: namespace,
	}
}

// ErrSprintNotFound returns an error when a sprint doesn't exist.
func ErrSprintNotFound(namespace string, sprintID int64) *Error {
	return &Error{
		Code:      CodeNotFound,
		What:      fmt.Sprintf("sprint %d not found in tenant %s", sprintID, namespace),
		Namespace: namespace,
	}
}

// ErrInvalidTransition returns an error for a disallowed move between two
// known statuses.
func ErrInvalidTransition(namespace, from, to string) *Error {
	return &Error{
		Code:      CodeInvalidTransition,
		What:      fmt.Sprintf("transition from %q to %q is not allowed in tenant %s", from, to, namespace),
		Why:       "No such edge exists in the tenant workflow",
		Fix:       "Move the task through an intermediate status, or add the transition to the workflow",
		Namespace: namespace,
	}
}

// ErrTaskArchived returns an error when mutating an archived task.
func ErrTaskArchived(namespace string, taskID int64) *Error {
	return &Error{
		Code:      CodeInvalidState,
		What:      fmt.Sprintf("task %d in tenant %s is archived", taskID, namespace),
		Why:       "Archived tasks accept no further changes",
		Namespace: namespace,
	}
}

// ErrInvalidState returns a generic lifecycle-order error.
func ErrInvalidState(namespace, what, why string) *Error {
	return &Error{
		Code:      CodeInvalidState,
		What:      what,
		Why:       why,
		Namespace: namespace,
	}
}

// ErrTransitionConflict returns an error when a concurrent update won the
// race for the same task. The caller may reload and retry.
func ErrTransitionConflict(namespace string, taskID int64) *Error {
	return &Error{
		Code:      CodeTransitionConflict,
		What:      fmt.Sprintf("task %d in tenant %s was modified concurrently", taskID, namespace),
		Why:       "Another update changed the task after it was read",
		Fix:       "Reload the task and retry",
		Namespace: namespace,
	}
}

// ErrProvisioningFailed returns an error for tenant database create/drop failures.
func ErrProvisioningFailed(namespace, op string, cause error) *Error {
	return &Error{
		Code:      CodeProvisioningFailed,
		What:      fmt.Sprintf("%s tenant database %s failed", op, namespace),
		Namespace: namespace,
		Cause:     cause,
	}
}

// ErrTimeout returns an error when the caller's deadline expired.
func ErrTimeout(op, namespace string, cause error) *Error {
	return &Error{
		Code:      CodeTimeout,
		What:      fmt.Sprintf("%s on tenant %s timed out", op, namespace),
		Why:       "The caller's deadline was exceeded before the operation completed",
		Namespace: namespace,
		Cause:     cause,
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check the config file and TENANTFLOW_* environment variables",
	}
}

// AsError attempts to convert an error to an *Error.
// Returns nil if the error is not an *Error.
func AsError(err error) *Error {
	var flowErr *Error
	if stderrors.As(err, &flowErr) {
		return flowErr
	}
	return nil
}

// CodeOf returns the code of err, or "" when err is not structured.
func CodeOf(err error) Code {
	if e := AsError(err); e != nil {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable structured error.
func IsRetryable(err error) bool {
	e := AsError(err)
	return e != nil && e.Retryable()
}

// FromContext converts context cancellation into a Timeout error, leaving
// structured errors and unrelated errors untouched.
func FromContext(err error, op, namespace string) error {
	if err == nil {
		return nil
	}
	if AsError(err) != nil {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return ErrTimeout(op, namespace, err)
	}
	return err
}
