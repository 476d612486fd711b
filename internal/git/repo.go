// Package git reads working tree status so that uncommitted changes count as session
// activity.
package git

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Repo represents a Git repository
type Repo struct {
	path string
	repo *git.Repository
}

// FileStatus represents the status of a single file
type FileStatus struct {
	Path   string
	Status string // "modified", "added", "deleted", "untracked", etc.
}

// RepoStatus represents the current status of the repository
type RepoStatus struct {
	Branch    string
	Modified  []FileStatus
	Staged    []FileStatus
	Untracked []FileStatus
	IsClean   bool
}

// Open opens the git repository containing path.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}

	root := path
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}

	return &Repo{
		path: root,
		repo: repo,
	}, nil
}

// Root returns the working tree root.
func (r *Repo) Root() string {
	return r.path
}

// Status returns the current status of the repository
func (r *Repo) Status() (*RepoStatus, error) {
	status, err := r.worktreeStatus()
	if err != nil {
		return nil, err
	}

	branch, err := r.CurrentBranch()
	if err != nil {
		branch = ""
	}

	repoStatus := &RepoStatus{
		Branch:    branch,
		Modified:  make([]FileStatus, 0),
		Staged:    make([]FileStatus, 0),
		Untracked: make([]FileStatus, 0),
		IsClean:   status.IsClean(),
	}

	for path, fileStatus := range status {
		fs := FileStatus{Path: path}

		if fileStatus.Staging != git.Unmodified && fileStatus.Staging != git.Untracked {
			fs.Status = mapStatusCode(fileStatus.Staging)
			repoStatus.Staged = append(repoStatus.Staged, fs)
		}

		if fileStatus.Worktree == git.Untracked {
			fs.Status = "untracked"
			repoStatus.Untracked = append(repoStatus.Untracked, fs)
		} else if fileStatus.Worktree != git.Unmodified {
			fs.Status = mapStatusCode(fileStatus.Worktree)
			repoStatus.Modified = append(repoStatus.Modified, fs)
		}
	}

	for _, list := range [][]FileStatus{repoStatus.Modified, repoStatus.Staged, repoStatus.Untracked} {
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	}
	return repoStatus, nil
}

// Snapshot returns a two-letter status code (staging then worktree, as in
// `git status --porcelain`) for every file that is not clean.
func (r *Repo) Snapshot() (map[string]string, error) {
	status, err := r.worktreeStatus()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(status))
	for path, fileStatus := range status {
		if fileStatus.Staging == git.Unmodified && fileStatus.Worktree == git.Unmodified {
			continue
		}
		out[path] = string([]byte{byte(fileStatus.Staging), byte(fileStatus.Worktree)})
	}
	return out, nil
}

// Changed returns the sorted paths of every file with uncommitted changes, untracked
// files included.
func (r *Repo) Changed() ([]string, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(snap))
	for path := range snap {
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Repo) worktreeStatus() (git.Status, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return status, nil
}

// mapStatusCode converts go-git status codes to human-readable strings
func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return "unmodified"
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "updated-but-unmerged"
	default:
		return "unknown"
	}
}

// CurrentBranch returns the name of the current branch. An unborn branch in a fresh
// repository is still reported by name.
func (r *Repo) CurrentBranch() (string, error) {
	ref, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", fmt.Errorf("HEAD is detached")
	}
	return ref.Target().Short(), nil
}

// HeadCommit returns the abbreviated hash of HEAD, or "" for a repository without
// commits.
func (r *Repo) HeadCommit() (string, error) {
	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String()[:7], nil
}

// Describe returns "branch@hash" for status output, dropping whichever part is
// unknown.
func (r *Repo) Describe() string {
	branch, _ := r.CurrentBranch()
	hash, _ := r.HeadCommit()
	switch {
	case branch != "" && hash != "":
		return branch + "@" + hash
	case branch != "":
		return branch
	case hash != "":
		return hash
	}
	return ""
}
