package mountfs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"syscall"
	"time"

	"github.com/agentworkforce/relaytree/internal/replica"
	"github.com/agentworkforce/relaytree/internal/tree"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

type MountOptions struct {
	Debug      bool
	AllowOther bool
	// CacheTTL bounds how long the kernel caches entries and attributes.
	CacheTTL time.Duration
}

// Mount serves view at mountpoint until the returned server is unmounted.
func Mount(mountpoint string, view *View, opts MountOptions) (*fuse.Server, error) {
	info, err := os.Stat(mountpoint)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mount point %s is not a directory", mountpoint)
	}
	if err := unix.Access(mountpoint, unix.R_OK|unix.X_OK); err != nil {
		return nil, fmt.Errorf("mount point %s: %w", mountpoint, err)
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Second
	}
	return fs.Mount(mountpoint, &dirNode{view: view}, &fs.Options{
		EntryTimeout: &ttl,
		AttrTimeout:  &ttl,
		MountOptions: fuse.MountOptions{
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
			FsName:     "relaytree",
			Name:       "relaytree",
		},
	})
}

type dirNode struct {
	fs.Inode
	view *View
	id   string
}

var (
	_ fs.NodeGetattrer = (*dirNode)(nil)
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
)

func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if !n.view.Exists(n.id) {
		return syscall.ENOENT
	}
	out.Mode = fuse.S_IFDIR | 0o555
	return fs.OK
}

func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.view.Entries(ctx, n.id)
	if err != nil {
		return nil, toErrno(err)
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		list = append(list, fuse.DirEntry{Name: entry.Name, Mode: fileType(entry), Ino: inodeOf(entry.Key)})
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entry, err := n.view.Lookup(ctx, n.id, name)
	if err != nil {
		return nil, toErrno(err)
	}
	stable := fs.StableAttr{Mode: fileType(entry), Ino: inodeOf(entry.Key)}
	if entry.IsDir() {
		out.Mode = fuse.S_IFDIR | 0o555
		return n.NewInode(ctx, &dirNode{view: n.view, id: entry.Key.ID}, stable), fs.OK
	}
	content, err := n.view.Content(entry.Key.ID)
	if err != nil {
		return nil, toErrno(err)
	}
	out.Mode = fuse.S_IFREG | 0o444
	out.Size = uint64(len(content))
	return n.NewInode(ctx, &fileNode{view: n.view, id: entry.Key.ID}, stable), fs.OK
}

type fileNode struct {
	fs.Inode
	view *View
	id   string
}

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
)

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	content, err := n.view.Content(n.id)
	if err != nil {
		return toErrno(err)
	}
	out.Mode = fuse.S_IFREG | 0o444
	out.Size = uint64(len(content))
	return fs.OK
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&unix.O_ACCMODE != unix.O_RDONLY {
		return nil, 0, syscall.EROFS
	}
	content, err := n.view.Content(n.id)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	// Content changes with push events, so skip the page cache.
	return &fileHandle{content: content}, fuse.FOPEN_DIRECT_IO, fs.OK
}

// fileHandle serves the snapshot taken at open time.
type fileHandle struct {
	content []byte
}

var _ fs.FileReader = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	size := int64(len(h.content))
	if off >= size {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > size {
		end = size
	}
	return fuse.ReadResultData(h.content[off:end]), fs.OK
}

func fileType(entry Entry) uint32 {
	if entry.IsDir() {
		return fuse.S_IFDIR
	}
	return fuse.S_IFREG
}

// inodeOf derives a stable inode number from the entity key. 1 is the root.
func inodeOf(key tree.EntityKey) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	ino := h.Sum64()
	if ino <= 1 {
		ino += 2
	}
	return ino
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, ErrNotFound), errors.Is(err, replica.ErrNoWorkspace), errors.Is(err, replica.ErrWorkspaceChanged):
		return syscall.ENOENT
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
