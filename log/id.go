package log

import (
	"context"
	"math/rand/v2"
	"time"
)

type idKey struct{}

// ID tags every line written for one command or lifecycle operation.
type ID struct {
	ID        uint32
	CreatedAt time.Time
}

func ContextWithNewID(ctx context.Context) context.Context {
	return ContextWithID(ctx, ID{
		ID:        rand.Uint32(),
		CreatedAt: time.Now(),
	})
}

func ContextWithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

func IDFromContext(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return ID{}, false
	}
	id, loaded := ctx.Value(idKey{}).(ID)
	return id, loaded
}
