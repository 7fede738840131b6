package cmd

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/gitx"
	"github.com/reviewloop/reviewloop/internal/state"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

// system bundles the per-project resources a command needs: the hybrid
// store, the embedder, run state, and the git client.
type system struct {
	cfg     *config.Config
	project string
	dataDir string

	db       *vecstore.DB
	embedder embed.Embedder
	state    *state.Store
	git      *gitx.Client

	mu         sync.Mutex
	cleaningUp bool
}

// openSystem opens the project store and embedder. The caller must call
// Cleanup, which is idempotent.
func openSystem(ctx context.Context, project string, cfg *config.Config) (*system, error) {
	dataDir, err := config.ProjectDataDir(project)
	if err != nil {
		return nil, err
	}

	db, err := vecstore.Open(dataDir, cfg.Embeddings.Dimensions, vecstore.Options{
		LexicalBackend: cfg.Search.LexicalBackend,
		RRFConstant:    cfg.Search.RRFConstant,
	})
	if err != nil {
		if db == nil {
			return nil, err
		}
		// Corrupt store was reset in place; the DB is usable but empty.
		slog.Warn("store was reset", slog.String("error", err.Error()))
	}

	embedder, err := embed.New(ctx, embed.Options{
		Provider:       cfg.Embeddings.Provider,
		Model:          cfg.Embeddings.Model,
		Host:           cfg.Embeddings.OllamaHost,
		Dimensions:     cfg.Embeddings.Dimensions,
		FallbackStatic: cfg.Embeddings.FallbackStatic,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := state.New(db.SQL())
	if err := st.Init(ctx); err != nil {
		_ = embedder.Close()
		_ = db.Close()
		return nil, err
	}

	return &system{
		cfg:      cfg,
		project:  project,
		dataDir:  dataDir,
		db:       db,
		embedder: embedder,
		state:    st,
		git:      gitx.New(project),
	}, nil
}

// Cleanup releases the store and embedder. Safe to call more than once
// and from the signal path.
func (s *system) Cleanup() {
	s.mu.Lock()
	if s.cleaningUp {
		s.mu.Unlock()
		return
	}
	s.cleaningUp = true
	s.mu.Unlock()

	if s.embedder != nil {
		_ = s.embedder.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// storeSize sums the on-disk size of the project store.
func (s *system) storeSize() int64 {
	var total int64
	_ = filepath.WalkDir(s.dataDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// repository resolves the "owner/name" for PR history: explicit value,
// then config, then the origin remote.
func (s *system) repository(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if s.cfg.PRHistory.Repository != "" {
		return s.cfg.PRHistory.Repository
	}
	return gitx.OwnerRepo(s.git.RemoteURL(ctx))
}
