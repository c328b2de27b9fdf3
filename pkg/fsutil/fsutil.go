// Package fsutil implements the Filesystem Toolkit (C2): bind-mount,
// overlay-mount, tmpfs-mount, shared-mount-point, write-file, and
// create-directory-recursive operations, each pushing its inverse onto a
// pkg/cleanup.Stack so every side effect is undoable without any other
// live object.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/pelagicore/softwarecontainer/pkg/cleanup"
	"github.com/pelagicore/softwarecontainer/pkg/log"
)

// Toolkit wraps a cleanup.Stack with the filesystem operations of C2. A
// zero-value Toolkit is not usable; use New.
type Toolkit struct {
	stack *cleanup.Stack
}

// New returns a Toolkit whose operations register their undo handlers on
// stack.
func New(stack *cleanup.Stack) *Toolkit {
	return &Toolkit{stack: stack}
}

// CreateDirectory creates path and all missing parents, registering a
// DirRemove cleanup handler for each directory it actually creates (not for
// ones that already existed), mirroring
// original_source/common/createdir.cpp's recursive createParentDirectory.
func (t *Toolkit) CreateDirectory(path string) error {
	if isDirectory(path) {
		return nil
	}

	parent := filepath.Dir(path)
	if parent != path {
		if err := t.CreateDirectory(parent); err != nil {
			return fmt.Errorf("could not create parent directory %s: %w", parent, err)
		}
	}

	if err := os.Mkdir(path, 0o777); err != nil && !os.IsExist(err) {
		return fmt.Errorf("could not create directory %s: %w", path, err)
	}

	t.stack.Push(cleanup.DirRemove{Path: path})
	return nil
}

// WriteToFile writes content to path, creating the file if necessary, and
// registers a FileUnlink handler (suppressed if path is already tracked).
func (t *Toolkit) WriteToFile(path string, content []byte) error {
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	t.stack.Push(cleanup.FileUnlink{Path: path})
	return nil
}

// BindMount bind-mounts src onto dst. If writeBufferEnabled and src is a
// directory, dst instead receives an overlay mount with src as the lower
// layer and freshly created upper/work directories, so the in-container
// view appears writable while src stays untouched — this is the
// "write-buffer" mode of spec §§4.1/9. readOnly remounts the bind (not the
// overlay case) read-only after the initial mount.
func (t *Toolkit) BindMount(src, dst, tmpContainerRoot string, readOnly, writeBufferEnabled bool) error {
	if !exists(src) {
		return fmt.Errorf("%s does not exist on the host, cannot bind-mount", src)
	}
	if !exists(dst) {
		return fmt.Errorf("%s does not exist on the host, cannot bind-mount", dst)
	}

	if writeBufferEnabled && isDirectory(src) {
		base := tmpContainerRoot
		if base == "" {
			base = os.TempDir()
		}
		upper, err := t.createTempDir(base, "bindmount-upper")
		if err != nil {
			return err
		}
		work, err := t.createTempDir(base, "bindmount-work")
		if err != nil {
			return err
		}

		options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", src, upper, work)
		if err := unix.Mount("overlay", dst, "overlay", 0, options); err != nil {
			return fmt.Errorf("could not overlay-mount into container: %w", err)
		}
		t.stack.Push(cleanup.UnmountLazy{Path: dst})
		return nil
	}

	if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("could not mount into container: src=%s dst=%s: %w", src, dst, err)
	}
	t.stack.Push(cleanup.UnmountLazy{Path: dst})

	if readOnly {
		if err := unix.Mount(src, dst, "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("could not re-mount %s read-only on %s: %w", src, dst, err)
		}
	}
	return nil
}

// OverlayMount mounts an overlay combining lower and upper at dst, creating
// lower/upper/work/dst as needed. Spec §9's Open Question on
// OverlaySync-vs-unmount ordering resolves to sync-before-unmount, so the
// UnmountLazy handler is pushed before the OverlaySync handler: LIFO
// draining then runs OverlaySync first (copies upper back onto lower while
// the mount is still live) and only then UnmountLazy.
func (t *Toolkit) OverlayMount(lower, upper, work, dst string) error {
	for _, dir := range []string{lower, upper, work, dst} {
		if err := t.CreateDirectory(dir); err != nil {
			return fmt.Errorf("failed to create overlay directory %s: %w", dir, err)
		}
	}

	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", dst, "overlay", 0, options); err != nil {
		return fmt.Errorf("could not overlay-mount lower=%s upper=%s work=%s at dst=%s: %w",
			lower, upper, work, dst, err)
	}

	t.stack.Push(cleanup.UnmountLazy{Path: dst})
	t.stack.Push(cleanup.OverlaySync{Upper: upper, Lower: lower})
	return nil
}

// TmpfsMount mounts a size-bounded tmpfs at dst, creating dst if needed.
func (t *Toolkit) TmpfsMount(dst string, maxSizeBytes int) error {
	if err := t.CreateDirectory(dst); err != nil {
		return fmt.Errorf("failed to create %s for tmpfs mount: %w", dst, err)
	}

	options := fmt.Sprintf("size=%d", maxSizeBytes)
	if err := unix.Mount("tmpfs", dst, "tmpfs", 0, options); err != nil {
		return fmt.Errorf("could not mount tmpfs at %s size=%d: %w", dst, maxSizeBytes, err)
	}
	t.stack.Push(cleanup.UnmountLazy{Path: dst})
	return nil
}

// CreateSharedMountPoint makes path a shared mount point: a self bind-mount
// followed by MS_UNBINDABLE then MS_SHARED, so that later bind-mounts
// beneath it propagate into mount namespaces that were cloned after this
// call — the mechanism bindMountInContainer depends on (spec §4.1).
func (t *Toolkit) CreateSharedMountPoint(path string) error {
	if err := unix.Mount(path, path, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("could not bind mount %s to itself: %w", path, err)
	}
	if err := unix.Mount(path, path, "", unix.MS_UNBINDABLE, ""); err != nil {
		return fmt.Errorf("could not make %s unbindable: %w", path, err)
	}
	if err := unix.Mount(path, path, "", unix.MS_SHARED, ""); err != nil {
		return fmt.Errorf("could not make %s shared: %w", path, err)
	}
	t.stack.Push(cleanup.UnmountLazy{Path: path})
	log.Logger.Debug().Str("path", path).Msg("created shared mount point")
	return nil
}

func (t *Toolkit) createTempDir(base, prefix string) (string, error) {
	dir, err := os.MkdirTemp(base, prefix+"-")
	if err != nil {
		return "", fmt.Errorf("could not create temp directory under %s: %w", base, err)
	}
	t.stack.Push(cleanup.DirRemove{Path: dir})
	return dir, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsDirectoryEmpty reports whether dir contains no entries, the same
// check the C++ reference makes before mounting. No mount helper in this
// package calls it.
func IsDirectoryEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
