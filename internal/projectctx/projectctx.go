// internal/projectctx/projectctx.go
package projectctx

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// Context keys written into TestPack.Inputs.ProjectContext.
const (
	KeyBranch        = "git_branch"
	KeyCommit        = "git_commit"
	KeyCommitSubject = "git_commit_subject"
	KeyDirty         = "git_dirty"
	KeyChangedFiles  = "git_changed_files"
	KeyRemote        = "git_remote"
)

// Collect gathers git metadata for the repository containing dir. A
// directory outside any repository yields an empty map and no error.
func Collect(dir string, logger *zap.Logger) (map[string]string, error) {
	out := map[string]string{}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		logger.Debug("No git repository found for project context.", zap.String("dir", dir))
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		// An empty repository has no HEAD yet.
		logger.Debug("Repository has no HEAD.", zap.Error(err))
		return out, nil
	}
	if head.Name().IsBranch() {
		out[KeyBranch] = head.Name().Short()
	}
	out[KeyCommit] = head.Hash().String()
	if commit, err := repo.CommitObject(head.Hash()); err == nil {
		out[KeyCommitSubject] = firstLine(commit.Message)
	}

	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			out[KeyDirty] = strconv.FormatBool(!status.IsClean())
			changed := 0
			for _, s := range status {
				if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
					changed++
				}
			}
			out[KeyChangedFiles] = strconv.Itoa(changed)
		}
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			out[KeyRemote] = urls[0]
		}
	}
	return out, nil
}

// Merge copies collected values into dst without overwriting keys the pack author set.
func Merge(dst map[string]string, collected map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(collected))
	}
	for k, v := range collected {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
