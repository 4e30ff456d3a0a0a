package auth

import "context"

type actorContextKey struct{}
type handleContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || v.ID == 0 {
		return Actor{}, false
	}
	return v, true
}

// ContextWithHandle stores the caller's display handle.
func ContextWithHandle(ctx context.Context, handle string) context.Context {
	if handle == "" {
		return ctx
	}
	return context.WithValue(ctx, handleContextKey{}, handle)
}

// HandleFromContext returns the caller's display handle if known.
func HandleFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(handleContextKey{}).(string)
	return v, ok && v != ""
}
