package session

import "context"

// Repository persists session snapshots. The in-memory Store is the source
// of truth; the repository exists so a restart can rehydrate it.
type Repository interface {
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*Session, error)
}
