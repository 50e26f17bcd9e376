package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// VersionListEntry is a single row in a ListAllVersions result: a key paired
// with the metadata of one of its versions (current or archived).
type VersionListEntry struct {
	Key  string
	Meta ObjectMeta
}

// ListAllVersions enumerates every version of every key under prefix,
// current and archived, for ListObjectVersions (§4.G.2). Unversioned keys
// (versioning never enabled) are reported as a single IsLatest entry with an
// empty VersionID.
func (s *Store) ListAllVersions(bucket, prefix string) ([]VersionListEntry, error) {
	var out []VersionListEntry

	root := s.bucketDir(bucket)
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if isHiddenPathSegment(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || strings.HasSuffix(rel, ".metadata") {
			return nil
		}
		if prefix != "" && !strings.HasPrefix(rel, prefix) {
			return nil
		}

		meta, merr := s.readMeta(path + ".metadata")
		if merr != nil {
			if os.IsNotExist(merr) {
				return nil
			}
			return merr
		}
		out = append(out, VersionListEntry{Key: rel, Meta: *meta})
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, walkErr
	}

	// Archived versions live under .versions/<key>/<versionId>, each paired
	// with a <versionId>.metadata sidecar in the same directory.
	versionsRoot := filepath.Join(root, ".versions")
	walkErr = filepath.Walk(versionsRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".metadata") {
			return nil
		}
		rel, rerr := filepath.Rel(versionsRoot, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		key := filepath.Dir(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}

		meta, merr := s.readMeta(path + ".metadata")
		if merr != nil {
			if os.IsNotExist(merr) {
				return nil
			}
			return merr
		}
		out = append(out, VersionListEntry{Key: key, Meta: *meta})
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, walkErr
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Meta.VersionID > out[j].Meta.VersionID
	})
	return out, nil
}
