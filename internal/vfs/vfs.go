// Package vfs is the virtual directory tree a node publishes to its peers.
//
// Nodes live in an arena indexed by NodeID and each directory keeps an
// ordered list of child ids. Host subtrees are walked into a detached staging
// tree first and grafted under the write lock in one step, so readers see a
// published subtree either absent or complete.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"lana/internal/logging"
)

// MaxNameLen is the longest name a directory listing can carry.
const MaxNameLen = 255

// maxDepth bounds the host walk so symlink loops terminate.
const maxDepth = 64

var (
	ErrNotFound     = errors.New("vfs: path not found")
	ErrNotDirectory = errors.New("vfs: not a directory")
	ErrNotFile      = errors.New("vfs: not a file")
	ErrInvalidPath  = errors.New("vfs: invalid virtual path")
	ErrNameTooLong  = errors.New("vfs: name longer than 255 bytes")
)

type Kind uint8

const (
	File Kind = iota
	Directory
)

func (k Kind) String() string {
	if k == Directory {
		return "directory"
	}
	return "file"
}

type NodeID int32

// NoNode is the parent of the root.
const NoNode NodeID = -1

const rootID NodeID = 0

// Entry is the read-only view of a node. Size is the byte length of a file
// or the current child count of a directory.
type Entry struct {
	Name string
	Kind Kind
	Size int64
}

// Location is the result of resolving a virtual path.
type Location struct {
	Entry  Entry
	ID     NodeID
	Parent NodeID
	Index  int
}

type node struct {
	name     string
	kind     Kind
	size     int64
	hostPath string
	children []NodeID
}

type Tree struct {
	fs  HostFS
	log *zap.Logger

	mu    sync.RWMutex
	nodes []node
	free  []NodeID
}

func New(hostFS HostFS, log *zap.Logger) *Tree {
	if hostFS == nil {
		hostFS = OSFS{}
	}
	return &Tree{
		fs:    hostFS,
		log:   logging.Or(log).Named("vfs"),
		nodes: []node{{kind: Directory}},
	}
}

// splitPath validates a virtual path and returns its segments. One trailing
// slash is ignored; "/" yields no segments.
func splitPath(vpath string) ([]string, error) {
	if !strings.HasPrefix(vpath, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, vpath)
	}
	vpath = strings.TrimPrefix(vpath, "/")
	vpath = strings.TrimSuffix(vpath, "/")
	if vpath == "" {
		return nil, nil
	}
	return strings.Split(vpath, "/"), nil
}

// resolve walks segs from the root. The caller holds mu.
func (t *Tree) resolve(segs []string) (Location, error) {
	loc := Location{ID: rootID, Parent: NoNode, Index: -1}
	for _, seg := range segs {
		cur := &t.nodes[loc.ID]
		if cur.kind != Directory {
			return Location{}, ErrNotDirectory
		}
		next := NoNode
		idx := -1
		for i, id := range cur.children {
			if t.nodes[id].name == seg {
				next, idx = id, i
				break
			}
		}
		if next == NoNode {
			return Location{}, ErrNotFound
		}
		loc = Location{ID: next, Parent: loc.ID, Index: idx}
	}
	loc.Entry = t.entry(loc.ID)
	return loc, nil
}

func (t *Tree) entry(id NodeID) Entry {
	n := &t.nodes[id]
	e := Entry{Name: n.name, Kind: n.kind, Size: n.size}
	if n.kind == Directory {
		e.Size = int64(len(n.children))
	}
	return e
}

// Find resolves vpath. The root resolves to a synthetic directory with
// Parent NoNode and Index -1.
func (t *Tree) Find(vpath string) (Location, error) {
	segs, err := splitPath(vpath)
	if err != nil {
		return Location{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolve(segs)
}

// List returns the children of the directory at vpath in publish order.
func (t *Tree) List(vpath string) ([]Entry, error) {
	segs, err := splitPath(vpath)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	loc, err := t.resolve(segs)
	if err != nil {
		return nil, err
	}
	n := &t.nodes[loc.ID]
	if n.kind != Directory {
		return nil, ErrNotDirectory
	}
	out := make([]Entry, 0, len(n.children))
	for _, id := range n.children {
		out = append(out, t.entry(id))
	}
	return out, nil
}

// Open opens the file at vpath on the host filesystem, positioned at offset.
// The returned size is the file's published size.
func (t *Tree) Open(vpath string, offset int64) (io.ReadCloser, int64, error) {
	segs, err := splitPath(vpath)
	if err != nil {
		return nil, 0, err
	}
	t.mu.RLock()
	loc, err := t.resolve(segs)
	var host string
	if err == nil {
		if loc.Entry.Kind != File {
			err = ErrNotFile
		}
		host = t.nodes[loc.ID].hostPath
	}
	t.mu.RUnlock()
	if err != nil {
		return nil, 0, err
	}

	rc, err := t.fs.Open(host, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", vpath, err)
	}
	return rc, loc.Entry.Size, nil
}

// Len reports the number of published nodes, not counting the root.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes) - len(t.free) - 1
}

type staged struct {
	name     string
	kind     Kind
	size     int64
	hostPath string
	children []*staged
}

// Publish mirrors the host file or directory at hostPath into the tree at
// vpath. Every segment of vpath but the last must name an existing
// directory; otherwise nothing changes and ErrNotFound or ErrNotDirectory is
// returned. Failures below hostPath drop only the affected branch.
func (t *Tree) Publish(ctx context.Context, hostPath, vpath string) error {
	log := t.log.With(zap.String("host_path", hostPath), zap.String("path", vpath))

	segs, err := splitPath(vpath)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: cannot publish over the root", ErrInvalidPath)
	}
	name := segs[len(segs)-1]
	if name == "" {
		return fmt.Errorf("%w: %q", ErrInvalidPath, vpath)
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	parentSegs := segs[:len(segs)-1]

	if err := t.checkParent(parentSegs); err != nil {
		log.Warn("Publish target has no parent directory", zap.Error(err))
		return err
	}

	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return err
	}
	info, err := t.fs.Stat(abs)
	if err != nil {
		log.Warn("Cannot stat host path", zap.Error(err))
		return err
	}
	root := &staged{name: name, hostPath: abs}
	if info.IsDir() {
		root.kind = Directory
		if err := t.walk(ctx, root, 0); err != nil {
			return err
		}
	} else {
		root.kind = File
		root.size = info.Size()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// The parent may have been unpublished during the walk.
	parent, err := t.resolve(parentSegs)
	if err == nil && parent.Entry.Kind != Directory {
		err = ErrNotDirectory
	}
	if err != nil {
		log.Warn("Publish target vanished during walk", zap.Error(err))
		return err
	}
	id := t.graft(root)
	t.nodes[parent.ID].children = append(t.nodes[parent.ID].children, id)

	log.Info("Published", zap.Stringer("kind", root.kind), zap.Int("nodes", count(root)))
	return nil
}

func (t *Tree) checkParent(segs []string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	loc, err := t.resolve(segs)
	if err != nil {
		return err
	}
	if loc.Entry.Kind != Directory {
		return ErrNotDirectory
	}
	return nil
}

// walk fills dir.children from the host. It only fails on cancellation.
func (t *Tree) walk(ctx context.Context, dir *staged, depth int) error {
	if depth >= maxDepth {
		t.log.Warn("Directory nesting too deep, skipping", zap.String("host_path", dir.hostPath))
		return nil
	}
	ents, err := t.fs.ReadDir(dir.hostPath)
	if err != nil {
		t.log.Warn("Cannot read directory, skipping", zap.String("host_path", dir.hostPath), zap.Error(err))
		return nil
	}
	for _, de := range ents {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := de.Name()
		host := filepath.Join(dir.hostPath, name)
		if len(name) > MaxNameLen {
			t.log.Warn("Name too long, skipping", zap.String("host_path", host))
			continue
		}
		info, err := t.fs.Stat(host)
		if err != nil {
			t.log.Warn("Cannot stat entry, skipping", zap.String("host_path", host), zap.Error(err))
			continue
		}
		child := &staged{name: name, hostPath: host}
		if info.IsDir() {
			child.kind = Directory
			if err := t.walk(ctx, child, depth+1); err != nil {
				return err
			}
		} else {
			child.kind = File
			child.size = info.Size()
		}
		dir.children = append(dir.children, child)
	}
	return nil
}

// graft copies s into the arena and returns its id. The caller holds mu.
func (t *Tree) graft(s *staged) NodeID {
	n := node{name: s.name, kind: s.kind, size: s.size, hostPath: s.hostPath}
	if len(s.children) > 0 {
		n.children = make([]NodeID, 0, len(s.children))
		for _, c := range s.children {
			n.children = append(n.children, t.graft(c))
		}
	}
	return t.alloc(n)
}

func (t *Tree) alloc(n node) NodeID {
	if k := len(t.free); k > 0 {
		id := t.free[k-1]
		t.free = t.free[:k-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree) release(id NodeID) {
	for _, c := range t.nodes[id].children {
		t.release(c)
	}
	t.nodes[id] = node{}
	t.free = append(t.free, id)
}

func count(s *staged) int {
	n := 1
	for _, c := range s.children {
		n += count(c)
	}
	return n
}

// Unpublish removes the first entry matching vpath together with its
// subtree. A missing path returns ErrNotFound and leaves the tree unchanged.
func (t *Tree) Unpublish(vpath string) error {
	segs, err := splitPath(vpath)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: cannot unpublish the root", ErrInvalidPath)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	loc, err := t.resolve(segs)
	if err != nil {
		return err
	}
	parent := &t.nodes[loc.Parent]
	parent.children = append(parent.children[:loc.Index], parent.children[loc.Index+1:]...)
	t.release(loc.ID)

	t.log.Info("Unpublished", zap.String("path", vpath))
	return nil
}
