package vecfs

import (
	"context"
	"testing"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store/inmem"
	"github.com/stretchr/testify/require"
)

func newTestFS() *FS {
	return New(inmem.New(), nil, nil)
}

func TestCreateFolderAndRetrieve(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()

	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))
	folder, err := fs.RetrieveFolder(ctx, "bob", "bob", "/docs", 0)
	require.NoError(t, err)
	require.Equal(t, "docs", folder.Name)
}

func TestCreateFolderAlreadyExists(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))
	err := fs.CreateFolder(ctx, "bob", "bob", "/", "docs")
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPathAlreadyExists))
}

func TestCreateFolderParentMissing(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	err := fs.CreateFolder(ctx, "bob", "bob", "/missing", "docs")
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPathInvalid))
}

func TestCreateFolderPermissionDenied(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	err := fs.CreateFolder(ctx, "bob", "alice", "/", "secret")
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPermissionDenied))
	_, err = fs.RetrieveFolder(ctx, "bob", "bob", "/secret", 0)
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPathNotFound))
}

func TestSetPermissionGrantsOtherProfileAccess(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "shared"))
	require.NoError(t, fs.SetPermission(ctx, "bob", "bob", "/shared", PermEntry{
		Read:  NodeProfiles("alice"),
		Write: Private(),
	}))

	_, err := fs.RetrieveFolder(ctx, "bob", "alice", "/shared", 0)
	require.NoError(t, err)

	err = fs.CreateFolder(ctx, "bob", "alice", "/shared", "nested")
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPermissionDenied))
}

func TestMoveRelocatesNode(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "a"))
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "b"))
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/a", "child"))

	require.NoError(t, fs.Move(ctx, "bob", "bob", "/a/child", "/b/child"))

	_, err := fs.RetrieveFolder(ctx, "bob", "bob", "/a/child", 0)
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPathNotFound))
	moved, err := fs.RetrieveFolder(ctx, "bob", "bob", "/b/child", 0)
	require.NoError(t, err)
	require.Equal(t, "child", moved.Name)
}

func TestCopyLeavesSourceIntact(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "a"))
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "b"))
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/a", "child"))

	require.NoError(t, fs.Copy(ctx, "bob", "bob", "/a/child", "/b/child"))

	_, err := fs.RetrieveFolder(ctx, "bob", "bob", "/a/child", 0)
	require.NoError(t, err)
	_, err = fs.RetrieveFolder(ctx, "bob", "bob", "/b/child", 0)
	require.NoError(t, err)
}

func TestDeleteThenRecreateLeavesCleanState(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "p"))
	require.NoError(t, fs.Delete(ctx, "bob", "bob", "/p"))
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "p"))

	folder, err := fs.RetrieveFolder(ctx, "bob", "bob", "/p", 0)
	require.NoError(t, err)
	require.Empty(t, folder.Children)
}

func TestInsertItemAndRetrieveUpdatesLastRead(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))
	resource := &BaseVectorResource{
		ResourceID:     "r1",
		Kind:           ResourceDocument,
		EmbeddingModel: "test-model",
		EmbeddingDim:   3,
		Nodes: []ResourceNode{
			{Content: "chunk one", Embedding: []float32{1, 0, 0}},
		},
	}
	require.NoError(t, fs.InsertItem(ctx, "bob", "bob", "/docs", "intro.pdf", resource, nil))

	item, err := fs.RetrieveItem(ctx, "bob", "bob", "/docs/intro.pdf")
	require.NoError(t, err)
	require.Equal(t, NodeItem, item.Kind)
	require.Equal(t, "r1", item.Resource.ResourceID)

	mark, ok := fs.LastReadIndex().Get("bob", "/docs/intro.pdf")
	require.True(t, ok)
	require.Equal(t, "bob", mark.Reader)
}

func TestRetrieveItemPathNotFound(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	_, err := fs.RetrieveItem(ctx, "bob", "bob", "/docs/missing.pdf")
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPathNotFound))
}
