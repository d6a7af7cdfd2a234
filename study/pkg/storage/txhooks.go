package storage

import (
	"context"
	"sync"
)

type txHooksKey struct{}

type txHooks struct {
	mu  sync.Mutex
	fns []func(committed bool)
}

// WithTxHooks is called by a store when it begins an outermost transaction.
// The returned func must be called exactly once when that transaction ends;
// it runs the callbacks registered with AfterTx in registration order.
func WithTxHooks(ctx context.Context) (context.Context, func(committed bool)) {
	h := &txHooks{}
	return context.WithValue(ctx, txHooksKey{}, h), h.run
}

func (h *txHooks) run(committed bool) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(committed)
	}
}

// AfterTx defers fn until the outermost transaction carried by ctx commits
// or rolls back. Without a transaction fn runs immediately as committed.
func AfterTx(ctx context.Context, fn func(committed bool)) {
	h, ok := ctx.Value(txHooksKey{}).(*txHooks)
	if !ok {
		fn(true)
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// TxToken identifies the outermost transaction carried by ctx. It is nil
// outside a transaction.
func TxToken(ctx context.Context) any {
	if h, ok := ctx.Value(txHooksKey{}).(*txHooks); ok {
		return h
	}
	return nil
}
