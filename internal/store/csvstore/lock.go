package csvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockFile is the advisory lock file inside the data directory.
const LockFile = ".lock"

// ErrDirLocked is returned when another process holds the data directory.
var ErrDirLocked = errors.New("data directory is in use by another process")

// LockDir takes an exclusive advisory lock on the data directory dir,
// retrying until ctx is done. Every process opening the same directory must
// hold it for as long as it uses the Store, since the store rewrites whole
// files and only serializes writers within one process.
func LockDir(ctx context.Context, dir string) (release func() error, err error) {
	fl := flock.New(filepath.Join(dir, LockFile))
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("locking %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrDirLocked)
	}
	return fl.Unlock, nil
}
