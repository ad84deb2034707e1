package hooks

import "context"

type blockKey struct{}

// BlockHooks returns a context in which blockable handlers of the named
// hooks are skipped. Scopes nest.
func BlockHooks(ctx context.Context, names ...string) context.Context {
	prev := blockedSet(ctx)
	next := make(map[string]bool, len(prev)+len(names))
	for name := range prev {
		next[name] = true
	}
	for _, name := range names {
		next[name] = true
	}
	return context.WithValue(ctx, blockKey{}, next)
}

// Blocked reports whether hook is blocked in ctx.
func Blocked(ctx context.Context, hook string) bool {
	return blockedSet(ctx)[hook]
}

func blockedSet(ctx context.Context) map[string]bool {
	if ctx == nil {
		return nil
	}
	set, _ := ctx.Value(blockKey{}).(map[string]bool)
	return set
}
