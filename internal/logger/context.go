package logger

import "context"

type contextKey struct{}

// Fields are added to every record logged with a context carrying them.
type Fields struct {
	ProjectID string
	Namespace string
	TaskID    *int64
	SprintID  *int64
	ActorID   string
}

// WithFields returns a context carrying fields merged over any already
// present; non-empty new values win.
func WithFields(ctx context.Context, fields Fields) context.Context {
	merged := GetFields(ctx)
	if fields.ProjectID != "" {
		merged.ProjectID = fields.ProjectID
	}
	if fields.Namespace != "" {
		merged.Namespace = fields.Namespace
	}
	if fields.TaskID != nil {
		merged.TaskID = fields.TaskID
	}
	if fields.SprintID != nil {
		merged.SprintID = fields.SprintID
	}
	if fields.ActorID != "" {
		merged.ActorID = fields.ActorID
	}
	return context.WithValue(ctx, contextKey{}, merged)
}

// GetFields returns the fields on ctx, or zero Fields.
func GetFields(ctx context.Context) Fields {
	if f, ok := ctx.Value(contextKey{}).(Fields); ok {
		return f
	}
	return Fields{}
}

// Ptr returns a pointer to v, for inline Fields literals.
func Ptr[T any](v T) *T {
	return &v
}
