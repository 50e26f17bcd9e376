package storage

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListObjectsOptions controls ListObjects pagination and grouping.
type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	ContinuationToken string
	StartAfter        string
	MaxKeys           int
}

// ListObjectsResult holds one page of a listing.
type ListObjectsResult struct {
	Objects               []Object
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

const defaultMaxKeys = 1000

// ListObjects walks the bucket's payload tree, excluding hidden entries
// (.multipart, .versions, any name beginning with '.'), filters by prefix,
// groups by delimiter into CommonPrefixes, and paginates via an opaque
// continuation token that encodes the last-seen key.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	var allKeys []string
	root := s.bucketDir(bucket)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
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
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(rel, ".metadata") {
			return nil
		}
		allKeys = append(allKeys, rel)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return &ListObjectsResult{}, nil
		}
		return nil, err
	}
	sort.Strings(allKeys)

	start := ""
	if opts.ContinuationToken != "" {
		decoded, derr := base64.StdEncoding.DecodeString(opts.ContinuationToken)
		if derr == nil {
			start = string(decoded)
		}
	} else if opts.StartAfter != "" {
		start = opts.StartAfter
	}

	res := &ListObjectsResult{}
	seenPrefixes := make(map[string]bool)
	// lastSeen is the last key this page consumed; the next page resumes after it.
	lastSeen := ""

	for _, key := range allKeys {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if start != "" && key <= start {
			continue
		}

		if opts.Delimiter != "" {
			rest := key[len(opts.Prefix):]
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				prefix := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				if !seenPrefixes[prefix] {
					seenPrefixes[prefix] = true
					if len(res.Objects)+len(res.CommonPrefixes) >= maxKeys {
						res.IsTruncated = true
						res.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(lastSeen))
						return res, nil
					}
					res.CommonPrefixes = append(res.CommonPrefixes, prefix)
				}
				lastSeen = key
				continue
			}
		}

		if len(res.Objects)+len(res.CommonPrefixes) >= maxKeys {
			res.IsTruncated = true
			res.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(lastSeen))
			return res, nil
		}
		lastSeen = key

		meta, err := s.readMeta(filepath.Join(root, key) + ".metadata")
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if meta.DeleteMarker {
			continue
		}
		res.Objects = append(res.Objects, Object{Bucket: bucket, Key: key, ObjectMeta: *meta})
	}

	return res, nil
}

// isHiddenPathSegment reports whether rel contains any path segment that
// begins with '.' (.multipart, .versions, .tmp, and dotfiles generally).
func isHiddenPathSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
