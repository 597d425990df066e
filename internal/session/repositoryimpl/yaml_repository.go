package repositoryimpl

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/foremanhq/foreman/internal/session"
	"github.com/foremanhq/foreman/pkg/cerr"
	"github.com/foremanhq/foreman/pkg/storage"
)

const sessionsPrefix = "sessions"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", sessionsPrefix, id)
}

func (r *YAMLRepository) Save(ctx context.Context, s *session.Session) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal session: %w", err))
	}
	if err := r.storage.Write(ctx, path(s.ID), data); err != nil {
		return cerr.WrapStorageWriteError("session", err)
	}
	return nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("session", err)
	}
	return nil
}

func (r *YAMLRepository) LoadAll(ctx context.Context) ([]*session.Session, error) {
	paths, err := r.storage.List(ctx, sessionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("sessions", err)
	}

	var all []*session.Session
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			slog.Warn("skipping unreadable session file", "path", p, "error", err)
			continue
		}
		var s session.Session
		if err := yaml.Unmarshal(data, &s); err != nil {
			slog.Warn("skipping corrupt session file", "path", p, "error", err)
			continue
		}
		all = append(all, &s)
	}
	return all, nil
}
