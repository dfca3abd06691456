package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context that carries them.
type LogFields struct {
	Component      string  // e.g. "console.support.index"
	ConversationID *string // supportChats document id
	Category       *string // badge category name
	Collection     *string // record collection
	ClientID       *string // websocket client id
}

// WithLogFields merges fields into the context. Newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.Component != "" {
		result.Component = next.Component
	}
	if next.ConversationID != nil {
		result.ConversationID = next.ConversationID
	}
	if next.Category != nil {
		result.Category = next.Category
	}
	if next.Collection != nil {
		result.Collection = next.Collection
	}
	if next.ClientID != nil {
		result.ClientID = next.ClientID
	}

	return result
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}
