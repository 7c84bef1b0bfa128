package subscription

import (
	"context"
	"time"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// ShareFolder transitions a folder Unshared -> Shared with req's terms,
// guarded by the profile's write permission on folderPath (spec.md §4.K
// "Transitions guarded by the profile's write permission on the folder
// path").
func (m *Manager) ShareFolder(ctx context.Context, profile, identity, folderPath string, req SubscriptionRequest) error {
	allowed, err := m.cfg.VecFS.CheckPermission(ctx, profile, identity, vecfs.VRPath(folderPath), vecfs.ModeWrite)
	if err != nil {
		return err
	}
	if !allowed {
		return shinkaierrors.New(shinkaierrors.KindPermissionDenied, "write permission required to share folder")
	}
	share := &OutboundShare{
		Profile:    profile,
		FolderPath: folderPath,
		State:      OutboundShared,
		Request:    req,
	}
	return m.putOutbound(ctx, share)
}

// UnshareFolder transitions Shared -> Unshared. It does not revoke
// already-downloaded copies on subscriber nodes.
func (m *Manager) UnshareFolder(ctx context.Context, profile, identity, folderPath string) error {
	allowed, err := m.cfg.VecFS.CheckPermission(ctx, profile, identity, vecfs.VRPath(folderPath), vecfs.ModeWrite)
	if err != nil {
		return err
	}
	if !allowed {
		return shinkaierrors.New(shinkaierrors.KindPermissionDenied, "write permission required to unshare folder")
	}
	share, ok, err := m.getOutbound(ctx, profile, folderPath)
	if err != nil {
		return err
	}
	if !ok {
		share = &OutboundShare{Profile: profile, FolderPath: folderPath}
	}
	share.State = OutboundUnshared
	return m.putOutbound(ctx, share)
}

// GetOutboundShare returns the current outbound share record, if any.
func (m *Manager) GetOutboundShare(ctx context.Context, profile, folderPath string) (*OutboundShare, bool, error) {
	return m.getOutbound(ctx, profile, folderPath)
}

// computeDelta walks folderPath and returns the manifest entries whose
// content hash differs from (or is absent from) prior, plus the full set
// of current entries for the new manifest (spec.md §4.K "computes the
// delta between the folder's current VecFS tree and the last-uploaded
// manifest; uploads only changed items").
func (m *Manager) computeDelta(ctx context.Context, profile, folderPath string, prior *Manifest) (changed []ManifestEntry, all []ManifestEntry, err error) {
	folder, err := m.cfg.VecFS.RetrieveFolder(ctx, profile, profile, vecfs.VRPath(folderPath), -1)
	if err != nil {
		return nil, nil, err
	}
	priorByPath := prior.entryByPath()
	var walk func(node *vecfs.Node, path string)
	walk = func(node *vecfs.Node, path string) {
		if node.Kind == vecfs.NodeItem {
			hash := contentHash(node.Resource)
			entry := ManifestEntry{Path: path, ContentHash: hash}
			all = append(all, entry)
			if existing, ok := priorByPath[path]; !ok || existing.ContentHash != hash {
				changed = append(changed, entry)
			}
			return
		}
		for _, name := range node.ChildOrder {
			child, ok := node.Children[name]
			if !ok {
				continue
			}
			walk(child, path+"/"+name)
		}
	}
	walk(folder, folderPath)
	return changed, all, nil
}

// RunUploadCycle runs one iteration of the HTTP upload scheduler for
// profile's shared folder: compute the delta, upload changed items,
// persist the signed manifest (spec.md §4.K "periodic upload scheduler").
// Callers drive this on a ticker at m.cfg.UploadInterval; see RunUploadScheduler.
func (m *Manager) RunUploadCycle(ctx context.Context, profile, folderPath, bucket string) error {
	share, ok, err := m.getOutbound(ctx, profile, folderPath)
	if err != nil {
		return err
	}
	if !ok || share.State != OutboundShared || !share.Request.HTTP {
		return nil
	}
	changed, all, err := m.computeDelta(ctx, profile, folderPath, share.LastManifest)
	if err != nil {
		return err
	}
	expiry := m.cfg.Now().Add(24 * time.Hour)
	uploaded := make(map[string]string, len(changed))
	if m.cfg.Objects != nil {
		for _, entry := range changed {
			node, err := m.cfg.VecFS.RetrieveItem(ctx, profile, profile, vecfs.VRPath(entry.Path))
			if err != nil {
				return err
			}
			data, err := encodeResource(node.Resource)
			if err != nil {
				return err
			}
			url, err := m.cfg.Objects.Upload(ctx, bucket, objectKey(profile, entry.Path), data, expiry)
			if err != nil {
				return shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "upload manifest entry", err)
			}
			uploaded[entry.Path] = url
		}
	}
	finalEntries := make([]ManifestEntry, 0, len(all))
	for _, entry := range all {
		entry.Expiration = expiry
		if url, ok := uploaded[entry.Path]; ok {
			entry.SignedURL = url
		} else if share.LastManifest != nil {
			if prev, ok := share.LastManifest.entryByPath()[entry.Path]; ok && prev.ContentHash == entry.ContentHash {
				entry.SignedURL = prev.SignedURL
			}
		}
		finalEntries = append(finalEntries, entry)
	}
	manifest := &Manifest{FolderPath: folderPath, GeneratedAt: m.cfg.Now(), Entries: finalEntries}
	if m.cfg.SigningKey != nil {
		manifest.Signature = signManifest(m.cfg.SigningKey, manifest)
	}
	share.LastManifest = manifest
	return m.putOutbound(ctx, share)
}

// RunUploadScheduler blocks, running RunUploadCycle for every currently
// shared folder at m.cfg.UploadInterval, until ctx is cancelled.
// folders is refreshed by the caller's own enumeration of shared
// folders; this keeps the scheduler free of any store-prefix-iteration
// assumption about ordering (Design Note).
func (m *Manager) RunUploadScheduler(ctx context.Context, bucket string, listShared func(ctx context.Context) ([]OutboundShare, error)) {
	ticker := time.NewTicker(m.cfg.UploadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			shares, err := listShared(ctx)
			if err != nil {
				m.cfg.Logger.Error(ctx, "subscription: list shared folders failed", "error", err)
				continue
			}
			for _, share := range shares {
				if err := m.RunUploadCycle(ctx, share.Profile, share.FolderPath, bucket); err != nil {
					m.cfg.Logger.Error(ctx, "subscription: upload cycle failed", "profile", share.Profile, "path", share.FolderPath, "error", err)
				}
			}
		}
	}
}

func objectKey(profile, path string) string {
	return profile + path
}
