package middleware

import (
	"context"
)

type contextKey string

const (
	ContextKeySubject  contextKey = "subject"
	ContextKeyUserRole contextKey = "role"
	ContextKeyThreads  contextKey = "threads"
)

func SubjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeySubject).(string)
	return v, ok
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyUserRole).(string)
	return v, ok
}

// ThreadsFromContext returns the thread ids the caller is limited to. An
// empty result means no restriction.
func ThreadsFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ContextKeyThreads).([]string)
	return v
}
