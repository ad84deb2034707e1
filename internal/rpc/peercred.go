package rpc

import (
	"context"
	"net"
)

type peerUIDKey struct{}

// ConnContext is an http.Server ConnContext hook recording the peer uid of
// Unix socket connections.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if uid, ok := peerUID(c); ok {
		return context.WithValue(ctx, peerUIDKey{}, uid)
	}
	return ctx
}

// PeerUIDFromContext returns the uid stored by ConnContext.
func PeerUIDFromContext(ctx context.Context) (int, bool) {
	uid, ok := ctx.Value(peerUIDKey{}).(int)
	return uid, ok
}
