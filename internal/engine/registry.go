package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quikhit/bidengine/internal/domain"
)

// Registry owns the live actors, one per auction id. Actors are spawned
// lazily on first use, seeded from the store, and torn down when their
// auction reaches a terminal state or the registry shuts down.
type Registry struct {
	deps actorDeps

	mu     sync.Mutex
	actors map[string]*registered
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type registered struct {
	actor  *actor
	cancel context.CancelFunc
}

// NewRegistry creates an empty actor registry.
func NewRegistry(deps actorDeps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:   deps,
		actors: make(map[string]*registered),
		ctx:    ctx,
		cancel: cancel,
	}
}

// get returns the running actor for the auction, spawning one from persisted
// state if needed.
func (r *Registry) get(ctx context.Context, auctionID string) (*actor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: shut down: %w", domain.ErrContextDone)
	}
	if reg, ok := r.actors[auctionID]; ok {
		r.mu.Unlock()
		return reg.actor, nil
	}
	r.mu.Unlock()

	// Seed outside the lock; store reads can be slow.
	auctionRow, err := r.deps.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("registry: load auction %s: %w", auctionID, err)
	}
	accepted, err := r.deps.bids.ListAccepted(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("registry: load accepted bids %s: %w", auctionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("registry: shut down: %w", domain.ErrContextDone)
	}
	if reg, ok := r.actors[auctionID]; ok {
		// Lost the spawn race; use the winner.
		return reg.actor, nil
	}

	ac := newActor(auctionRow, accepted, r.deps)
	actorCtx, actorCancel := context.WithCancel(r.ctx)
	r.actors[auctionID] = &registered{actor: ac, cancel: actorCancel}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ac.run(actorCtx)
	}()

	r.deps.logger.Info("actor spawned",
		slog.String("auction_id", auctionID),
		slog.Int("accepted_bids", len(accepted)),
	)
	return ac, nil
}

// retire stops and removes the actor for a terminal auction. A later call
// for the same auction id simply re-reads persisted state.
func (r *Registry) retire(auctionID string) {
	r.mu.Lock()
	reg, ok := r.actors[auctionID]
	if ok {
		delete(r.actors, auctionID)
	}
	r.mu.Unlock()
	if ok {
		reg.cancel()
		r.deps.logger.Info("actor retired", slog.String("auction_id", auctionID))
	}
}

// Active returns the number of live actors.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Shutdown cancels every actor and waits for their goroutines to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.actors = make(map[string]*registered)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
