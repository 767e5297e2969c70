// Package groutine starts named goroutines. The name and any extra labels
// are attached as pprof labels, so acquisition, emulator and streamer
// goroutines can be told apart in goroutine profiles and stack dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go runs fn in a new goroutine labeled with name plus the key/value pairs in
// labels:
//
//	groutine.Go(ctx, "acquisition", w.loop, "board", "cyton")
//
// If parentCtx is nil, context.Background() is used. An odd trailing label
// key is ignored.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context), labels ...string) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	pairs := append([]string{"goroutine_name", name}, labels[:len(labels)&^1]...)

	go pprof.Do(parentCtx, pprof.Labels(pairs...), func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// Name returns the goroutine name carried by ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(goroutineNameKey).(string)
	return name
}
