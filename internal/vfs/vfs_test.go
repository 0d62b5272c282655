package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644))
}

// hostTree lays out:
//
//	root/a.txt        (10 bytes)
//	root/sub/b.txt    (3 bytes)
//	root/sub/deep/    (empty)
func hostTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "root")
	writeFile(t, filepath.Join(root, "a.txt"), 10)
	writeFile(t, filepath.Join(root, "sub", "b.txt"), 3)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755))
	return root
}

func TestPublishUnpublish(t *testing.T) {
	tree := New(nil, nil)
	ctx := context.Background()

	require.NoError(t, tree.Publish(ctx, hostTree(t), "/x"))

	top, err := tree.List("/")
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, Entry{Name: "x", Kind: Directory, Size: 2}, top[0])

	require.NoError(t, tree.Unpublish("/x"))
	_, err = tree.Find("/x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, tree.Len())

	top, err = tree.List("/")
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestListSizes(t *testing.T) {
	tree := New(nil, nil)
	require.NoError(t, tree.Publish(context.Background(), hostTree(t), "/x"))
	assert.Equal(t, 5, tree.Len())

	got, err := tree.List("/x/sub/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entry{
		{Name: "b.txt", Kind: File, Size: 3},
		{Name: "deep", Kind: Directory, Size: 0},
	}, got)

	_, err = tree.List("/x/a.txt")
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestFind(t *testing.T) {
	tree := New(nil, nil)
	require.NoError(t, tree.Publish(context.Background(), hostTree(t), "/x"))

	root, err := tree.Find("/")
	require.NoError(t, err)
	assert.Equal(t, NoNode, root.Parent)
	assert.Equal(t, -1, root.Index)
	assert.Equal(t, Directory, root.Entry.Kind)

	tests := []struct {
		path string
		want error
	}{
		{"/x", nil},
		{"/x/", nil},
		{"/x/sub/b.txt", nil},
		{"/X", ErrNotFound},
		{"/x/missing", ErrNotFound},
		{"/x/a.txt/more", ErrNotDirectory},
		{"x", ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := tree.Find(tt.path)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestPublishIntoMissingParent(t *testing.T) {
	tree := New(nil, nil)
	host := hostTree(t)
	ctx := context.Background()

	err := tree.Publish(ctx, host, "/nope/x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, tree.Len())

	require.NoError(t, tree.Publish(ctx, filepath.Join(host, "a.txt"), "/f"))
	err = tree.Publish(ctx, host, "/f/x")
	assert.ErrorIs(t, err, ErrNotDirectory)
	assert.Equal(t, 1, tree.Len())
}

func TestPublishNested(t *testing.T) {
	tree := New(nil, nil)
	host := hostTree(t)
	ctx := context.Background()

	require.NoError(t, tree.Publish(ctx, host, "/docs"))
	require.NoError(t, tree.Publish(ctx, filepath.Join(host, "a.txt"), "/docs/report.txt"))

	loc, err := tree.Find("/docs/report.txt")
	require.NoError(t, err)
	assert.Equal(t, Entry{Name: "report.txt", Kind: File, Size: 10}, loc.Entry)
}

func TestDuplicateNamesFirstWins(t *testing.T) {
	tree := New(nil, nil)
	host := hostTree(t)
	ctx := context.Background()

	require.NoError(t, tree.Publish(ctx, filepath.Join(host, "a.txt"), "/dup"))
	require.NoError(t, tree.Publish(ctx, filepath.Join(host, "sub"), "/dup"))

	loc, err := tree.Find("/dup")
	require.NoError(t, err)
	assert.Equal(t, File, loc.Entry.Kind)

	require.NoError(t, tree.Unpublish("/dup"))
	loc, err = tree.Find("/dup")
	require.NoError(t, err)
	assert.Equal(t, Directory, loc.Entry.Kind)
}

func TestIDsAreRecycled(t *testing.T) {
	tree := New(nil, nil)
	host := hostTree(t)
	ctx := context.Background()

	require.NoError(t, tree.Publish(ctx, host, "/a"))
	n := len(tree.nodes)
	require.NoError(t, tree.Unpublish("/a"))
	require.NoError(t, tree.Publish(ctx, host, "/b"))
	assert.Equal(t, n, len(tree.nodes))

	got, err := tree.List("/b/sub")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPublishIsAtomic(t *testing.T) {
	host := filepath.Join(t.TempDir(), "batch")
	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(host, fmt.Sprintf("f%02d", i)), i)
	}
	tree := New(nil, nil)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var partial []int
	seen := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := tree.List("/x")
			if err != nil {
				continue
			}
			seen++
			if len(got) != 10 {
				partial = append(partial, len(got))
			}
		}
	}()

	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Publish(ctx, host, "/x"))
		require.NoError(t, tree.Unpublish("/x"))
	}
	require.NoError(t, tree.Publish(ctx, host, "/x"))
	close(stop)
	wg.Wait()

	assert.Empty(t, partial)
	got, err := tree.List("/x")
	require.NoError(t, err)
	assert.Len(t, got, 10)
	t.Logf("%d complete listings observed", seen)
}

func TestOpenHonoursOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	tree := New(nil, nil)
	require.NoError(t, tree.Publish(context.Background(), path, "/data.bin"))

	rc, size, err := tree.Open("/data.bin", 4)
	require.NoError(t, err)
	defer rc.Close()
	assert.EqualValues(t, 10, size)

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(b))

	_, _, err = tree.Open("/", 0)
	assert.ErrorIs(t, err, ErrNotFile)
}

// flakyFS fails Stat and ReadDir for chosen host paths.
type flakyFS struct {
	OSFS
	bad map[string]bool
}

var errFlaky = errors.New("injected failure")

func (f flakyFS) Stat(path string) (fs.FileInfo, error) {
	if f.bad[filepath.Base(path)] {
		return nil, errFlaky
	}
	return f.OSFS.Stat(path)
}

func (f flakyFS) ReadDir(path string) ([]fs.DirEntry, error) {
	if f.bad[filepath.Base(path)+"/"] {
		return nil, errFlaky
	}
	return f.OSFS.ReadDir(path)
}

func TestPublishDropsFailedBranches(t *testing.T) {
	host := hostTree(t)
	tree := New(flakyFS{bad: map[string]bool{"a.txt": true, "sub/": true}}, nil)

	require.NoError(t, tree.Publish(context.Background(), host, "/x"))

	got, err := tree.List("/x")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Entry{Name: "sub", Kind: Directory, Size: 0}, got[0])
}

func TestPublishSkipsLongNames(t *testing.T) {
	host := t.TempDir()
	writeFile(t, filepath.Join(host, "ok.txt"), 1)
	long := strings.Repeat("n", MaxNameLen+1)
	if err := os.WriteFile(filepath.Join(host, long), nil, 0o644); err != nil {
		t.Skipf("filesystem rejects long names: %v", err)
	}

	tree := New(nil, nil)
	require.NoError(t, tree.Publish(context.Background(), host, "/h"))
	got, err := tree.List("/h")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok.txt", got[0].Name)
}

func TestPublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tree := New(nil, nil)
	err := tree.Publish(ctx, hostTree(t), "/x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tree.Len())
}

func TestUnpublishMissing(t *testing.T) {
	tree := New(nil, nil)
	assert.ErrorIs(t, tree.Unpublish("/ghost"), ErrNotFound)
	assert.ErrorIs(t, tree.Unpublish("/"), ErrInvalidPath)
}
