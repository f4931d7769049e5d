package persistent

import "context"

// Admin wraps a Store opened purely for inspection/maintenance: no
// worker is started, so it can run alongside a Tracker process that owns
// the same DB_PATH without racing its dequeue loop.
type Admin struct {
	store *Store
}

// OpenAdmin opens path the same way OpenStore does (WAL mode, bounded
// pool) but never starts a Worker against it.
func OpenAdmin(path string) (*Admin, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	return &Admin{store: store}, nil
}

func (a *Admin) Close() error { return a.store.Close() }

func (a *Admin) Stats(ctx context.Context) (map[string]int64, error) {
	return a.store.Stats(ctx)
}

func (a *Admin) ListFailed(ctx context.Context, limit int) ([]Row, error) {
	return a.store.ListFailed(ctx, limit)
}

func (a *Admin) RequeueFailed(ctx context.Context, ids []int64) (int64, error) {
	return a.store.RequeueFailed(ctx, ids)
}

func (a *Admin) PurgeFailed(ctx context.Context, ids []int64) (int64, error) {
	return a.store.PurgeFailed(ctx, ids)
}
