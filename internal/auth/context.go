package auth

import "context"

type ctxKey int

const subjectCtxKey ctxKey = iota

// WithSubject attaches an authenticated subject to ctx; nil leaves ctx untouched.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectCtxKey, subject)
}

// SubjectFromContext 返回中间件放入的主体，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectCtxKey).(*Subject); ok {
		return subject
	}
	return nil
}

// SubjectName returns the authenticated subject's name, or fallback when the
// request was not authenticated (for example with auth disabled).
func SubjectName(ctx context.Context, fallback string) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return fallback
}
