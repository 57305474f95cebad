package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// UserIDKey is the context key for user ID (for X-User-ID header)
	UserIDKey contextKey = "user-id"

	// ExecutionIDKey is the context key for the execution being processed
	// (for X-Execution-ID header on outbound calls)
	ExecutionIDKey contextKey = "execution-id"
)

// WithUserID adds a user ID to the context
// This will be automatically extracted and added as X-User-ID header in HTTP requests
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context
// Returns the user ID and true if found, empty string and false otherwise
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

// WithExecutionID tags the context with the execution an outbound call belongs to
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// GetExecutionID retrieves the execution ID from context
func GetExecutionID(ctx context.Context) (string, bool) {
	executionID, ok := ctx.Value(ExecutionIDKey).(string)
	return executionID, ok && executionID != ""
}
