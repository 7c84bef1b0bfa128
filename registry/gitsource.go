package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// gitManifestFile is the on-disk descriptor a git-backed tool source reads
// alongside its entrypoint, distinct from the installed store.Manifest it
// produces (no InstalledAt/Embedding/Active at this stage).
type gitManifestFile struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Runner       Runner            `json:"runner"`
	Entrypoint   string            `json:"entrypoint"`
	InputSchema  json.RawMessage   `json:"input_schema"`
	OutputSchema json.RawMessage   `json:"output_schema"`
	ConfigSchema json.RawMessage   `json:"config_schema"`
	ConfigDefaults map[string]string `json:"config_defaults"`
}

// FetchGitManifest clones repoURL at ref (a branch, tag, or commit) in
// memory and reads manifest.json plus its declared entrypoint file from the
// checkout, producing a Manifest ready for Registry.Install. This is an
// optional install path alongside directly-supplied manifests (spec.md
// §4.F addition): an agent or operator can point the registry at a
// git-hosted tool source instead of staging the code blob by hand.
func FetchGitManifest(ctx context.Context, repoURL, ref string) (Manifest, error) {
	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:           repoURL,
		ReferenceName: plumbing.ReferenceName(ref),
		Depth:         1,
		SingleBranch:  true,
	})
	if err != nil {
		// ref may be a tag/commit rather than a branch name go-git's
		// ReferenceName assumes; retry with a full clone and resolve ref in it.
		repo, err = git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{URL: repoURL})
		if err != nil {
			return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "clone tool source repo", err)
		}
	}

	head, err := resolveRef(repo, ref)
	if err != nil {
		return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindPathNotFound, "resolve tool source ref", err)
	}
	commit, err := repo.CommitObject(head)
	if err != nil {
		return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "read tool source commit", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "read tool source tree", err)
	}

	manifestRaw, err := readTreeFile(tree, "manifest.json")
	if err != nil {
		return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindPathNotFound, "read manifest.json from tool source", err)
	}
	var gm gitManifestFile
	if err := json.Unmarshal(manifestRaw, &gm); err != nil {
		return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "decode tool source manifest.json", err)
	}
	if gm.Entrypoint == "" {
		return Manifest{}, shinkaierrors.New(shinkaierrors.KindMalformed, "tool source manifest.json missing entrypoint")
	}
	codeBlob, err := readTreeFile(tree, gm.Entrypoint)
	if err != nil {
		return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindPathNotFound, fmt.Sprintf("read tool source entrypoint %q", gm.Entrypoint), err)
	}

	return Manifest{
		Name:           gm.Name,
		Version:        gm.Version,
		Description:    gm.Description,
		Runner:         gm.Runner,
		CodeBlob:       codeBlob,
		InputSchema:    gm.InputSchema,
		OutputSchema:   gm.OutputSchema,
		ConfigSchema:   gm.ConfigSchema,
		ConfigDefaults: gm.ConfigDefaults,
	}, nil
}

func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" {
		headRef, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return headRef.Hash(), nil
	}
	h, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}

func readTreeFile(tree *object.Tree, name string) ([]byte, error) {
	f, err := tree.File(path.Clean(name))
	if err != nil {
		return nil, err
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
