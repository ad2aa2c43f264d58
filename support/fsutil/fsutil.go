package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

const (
	DefaultLockTimeout   = 30 * time.Second
	DefaultRetryInterval = 100 * time.Millisecond
)

// EnsureDirs creates every directory with MkdirAll. All failures are reported together.
func EnsureDirs(perm os.FileMode, dirs ...string) error {
	var errs []error
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, perm); err != nil {
			errs = append(errs, fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Exists reports whether path exists. Permission errors count as existing.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// WriteAtomic writes data to a temp file in the destination directory and renames it into place.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CopyFile copies src to dst atomically with the given mode.
func CopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := WriteAtomic(dst, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

// LookupOwner resolves "user" or "user:group" into numeric ids. Numeric values are accepted as is.
// When no group is given the user's primary group is used.
func LookupOwner(owner string) (int, int, error) {
	userName, groupName, hasGroup := strings.Cut(owner, ":")
	if userName == "" {
		return 0, 0, fmt.Errorf("invalid owner %q", owner)
	}

	uid, primaryGID, err := lookupUser(userName)
	if err != nil {
		return 0, 0, err
	}
	if !hasGroup || groupName == "" {
		return uid, primaryGID, nil
	}
	if gid, err := strconv.Atoi(groupName); err == nil {
		return uid, gid, nil
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to look up group %s: %w", groupName, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("group %s has non-numeric gid %q", groupName, g.Gid)
	}
	return uid, gid, nil
}

func lookupUser(name string) (int, int, error) {
	var u *user.User
	var err error
	if _, convErr := strconv.Atoi(name); convErr == nil {
		u, err = user.LookupId(name)
		if err != nil {
			// A bare uid with no passwd entry is still usable.
			uid, _ := strconv.Atoi(name)
			return uid, uid, nil
		}
	} else {
		u, err = user.Lookup(name)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to look up user %s: %w", name, err)
		}
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s has non-numeric gid %q", name, u.Gid)
	}
	return uid, gid, nil
}

var lchownFunc = os.Lchown

// ChownRecursive changes ownership of root and everything below it.
func ChownRecursive(root string, uid, gid int) error {
	return filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := lchownFunc(path, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
		return nil
	})
}

// AcquireLock takes an exclusive flock on path, retrying until timeout.
// The returned lock must be released with Unlock.
func AcquireLock(path string, timeout, retryInterval time.Duration) (*flock.Flock, error) {
	fileLock := flock.New(path)

	deadline := time.Now().Add(timeout)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if locked {
			return fileLock, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(retryInterval)
	}

	return nil, fmt.Errorf("timeout acquiring lock on %s after %v", path, timeout)
}
