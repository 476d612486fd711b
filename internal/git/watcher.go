package git

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sessionvault/internal/watcher"
)

// StatusWatcher re-reads the working tree status whenever the repository metadata
// changes and reports files whose status changed to a dirty state.
type StatusWatcher struct {
	repo     *Repo
	onChange func([]string)
	logger   *zap.Logger
	watcher  *watcher.Watcher

	mu   sync.Mutex
	prev map[string]string
}

// NewStatusWatcher watches repo's .git directory. onChange receives sorted paths.
func NewStatusWatcher(repo *Repo, onChange func([]string), logger *zap.Logger) (*StatusWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StatusWatcher{
		repo:     repo,
		onChange: onChange,
		logger:   logger,
		prev:     map[string]string{},
	}

	gitDir := filepath.Join(repo.Root(), ".git")
	w, err := watcher.New(gitDir, 300*time.Millisecond, func(watcher.Event) {
		s.refresh()
	}, watcher.WithLogger(logger), watcher.WithExclude("objects", "logs", "hooks", "*.lock"))
	if err != nil {
		return nil, fmt.Errorf("failed to watch git dir: %w", err)
	}
	s.watcher = w
	return s, nil
}

// Start reports the files that are already dirty and begins watching.
func (s *StatusWatcher) Start() error {
	s.refresh()
	if err := s.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	return nil
}

// Close stops watching.
func (s *StatusWatcher) Close() error {
	return s.watcher.Close()
}

func (s *StatusWatcher) refresh() {
	next, err := s.repo.Snapshot()
	if err != nil {
		s.logger.Warn("git status failed", zap.String("repo", s.repo.Root()), zap.Error(err))
		return
	}

	s.mu.Lock()
	changed := Changes(s.prev, next)
	s.prev = next
	s.mu.Unlock()

	if len(changed) > 0 {
		s.onChange(changed)
	}
}

// Changes returns the sorted paths that are dirty in next with a status different from
// prev. Files that became clean are not reported.
func Changes(prev, next map[string]string) []string {
	var out []string
	for path, code := range next {
		if prev[path] != code {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}
