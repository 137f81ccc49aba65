package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schaermu/hostcfg/internal/state"
)

// gitStateKey is the state entry touched after checking the root for updates.
const gitStateKey = "git"

// updateRoot pulls the configuration root when it is a git checkout and the
// last check is older than refresh. It reports whether new commits arrived.
func (e *Engine) updateRoot(ctx context.Context, root string, st *state.State, refresh time.Duration, logger *slog.Logger) (bool, error) {
	if last, ok := st.LastUpdate(gitStateKey); ok {
		if st.IsTouchFresh(gitStateKey, refresh) {
			return false, nil
		}
		logger.Info("checking configuration for updates", "last_check", humanize.Time(last))
	}

	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("configuration root is not a git repository", "root", root)
			return false, nil
		}
		return false, fmt.Errorf("failed to stat repository: %w", err)
	}

	ok, err := e.prompter.Confirm(ctx, "Do you want to check for updates?", true)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	works, err := e.git.Test(ctx)
	if err != nil {
		return false, err
	}
	if !works {
		logger.Warn("no working git command found")
		st.Touch(gitStateKey)
		return false, nil
	}

	repo := e.git.Open(root)

	needs, err := repo.NeedsUpdate(ctx)
	if err != nil {
		return false, err
	}
	if !needs {
		st.Touch(gitStateKey)
		return false, nil
	}

	if e.opts.Force {
		err = repo.ForceUpdate(ctx)
	} else {
		err = repo.Update(ctx)
	}
	if err != nil {
		return false, err
	}

	if head, err := repo.Head(ctx); err == nil {
		logger.Info("configuration updated", "commit", head)
	}

	st.Touch(gitStateKey)
	return true, nil
}
