// Package storage implements the on-disk layout that owns all durable
// bleepstore state: bucket directories, object payloads, JSON metadata
// sidecars, versions, and multipart staging areas. Unlike the pluggable
// metadata-store/storage-backend split the engine once used, this package
// merges both concerns into one, because the layout requires sidecars to
// live beside payloads rather than in a separate database.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/uid"
)

// EncryptionRecord holds the per-object key material needed to decrypt a
// sealed payload. Unencrypted objects carry none (ObjectMeta.Encryption is nil).
type EncryptionRecord struct {
	Algorithm string `json:"algorithm,omitempty"` // "AES256" or empty
	DataKey   []byte `json:"data_key,omitempty"`  // wrapped or raw 32-byte key
	Nonce     []byte `json:"nonce,omitempty"`     // 12-byte GCM nonce
	Wrapped   bool   `json:"wrapped,omitempty"`   // true if DataKey is master-key-wrapped
}

// ObjectMeta is the JSON sidecar persisted alongside every object payload
// (current or versioned).
type ObjectMeta struct {
	ContentType        string            `json:"content_type"`
	ContentEncoding     string            `json:"content_encoding,omitempty"`
	ContentLanguage     string            `json:"content_language,omitempty"`
	ContentDisposition  string            `json:"content_disposition,omitempty"`
	CacheControl        string            `json:"cache_control,omitempty"`
	Expires             string            `json:"expires,omitempty"`
	StorageClass        string            `json:"storage_class,omitempty"`
	UserMetadata        map[string]string `json:"user_metadata,omitempty"`
	Size                int64             `json:"size"`
	ETag                string            `json:"etag"`
	LastModified        time.Time         `json:"last_modified"`
	VersionID           string            `json:"version_id,omitempty"`
	IsLatest            bool              `json:"is_latest,omitempty"`
	DeleteMarker        bool              `json:"delete_marker,omitempty"`
	Encryption          *EncryptionRecord `json:"encryption,omitempty"`
	OwnerID             string            `json:"owner_id,omitempty"`
	OwnerDisplay        string            `json:"owner_display,omitempty"`
}

// Object bundles an ObjectMeta with its bucket/key for handler convenience.
type Object struct {
	Bucket string
	Key    string
	ObjectMeta
}

// BucketInfo describes a bucket's top-level attributes.
type BucketInfo struct {
	Name      string
	CreatedAt time.Time
}

// Store is the single owner of durable bleepstore state rooted at Root.
type Store struct {
	Root string

	mu     sync.Mutex
	locks  map[string]*sync.RWMutex // per "bucket/key" striped lock table
}

// Open roots a Store at dir, creating the directory and its .tmp scratch
// area if they do not exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &Store{Root: dir, locks: make(map[string]*sync.RWMutex)}, nil
}

// keyLock returns the striped lock guarding concurrent writers to the same
// (bucket, key), creating it on first use.
func (s *Store) keyLock(bucket, key string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := bucket + "/" + key
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

// CleanTempFiles removes every file under .tmp. Called once at startup as
// part of crash-only recovery: any survivor indicates an incomplete write
// from a previous crash.
func (s *Store) CleanTempFiles() error {
	tmpDir := filepath.Join(s.Root, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			os.Remove(filepath.Join(tmpDir, e.Name()))
		}
	}
	return nil
}

func (s *Store) tempPath() string {
	return filepath.Join(s.Root, ".tmp", "tmp-"+uid.New())
}

func (s *Store) bucketDir(bucket string) string {
	return filepath.Join(s.Root, bucket)
}

func (s *Store) objectPath(bucket, key string) string {
	return filepath.Join(s.Root, bucket, key)
}

func (s *Store) metaPath(bucket, key string) string {
	return s.objectPath(bucket, key) + ".metadata"
}

func (s *Store) versionDir(bucket, key string) string {
	return filepath.Join(s.Root, bucket, ".versions", key)
}

func (s *Store) versionPath(bucket, key, versionID string) string {
	return filepath.Join(s.versionDir(bucket, key), versionID)
}

// writeAtomic writes data to path via temp-file + fsync + rename, the
// discipline every payload and sidecar write in this package follows.
func (s *Store) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q: %w", path, err)
	}
	tmp := s.tempPath()
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file to %q: %w", path, err)
	}
	return nil
}

// writeStreamAtomic streams r to path via the same temp-file discipline,
// computing and returning the MD5 digest and byte count as it goes.
func (s *Store) writeStreamAtomic(path string, r io.Reader) (size int64, md5hex string, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", fmt.Errorf("creating parent directories for %q: %w", path, err)
	}
	tmp := s.tempPath()
	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", fmt.Errorf("creating temp file: %w", err)
	}
	h := md5.New()
	tee := io.TeeReader(r, h)
	n, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, "", fmt.Errorf("writing payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, "", fmt.Errorf("syncing payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("closing payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("renaming payload to %q: %w", path, err)
	}
	return n, fmt.Sprintf("%x", h.Sum(nil)), nil
}

// --- Bucket operations ---

func (s *Store) BucketExists(bucket string) (bool, error) {
	info, err := os.Stat(s.bucketDir(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CreateBucket creates the bucket directory. Returns ErrBucketAlreadyOwnedByYou
// if it already exists.
func (s *Store) CreateBucket(ctx context.Context, bucket string) error {
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return err
	}
	if exists {
		return s3err.ErrBucketAlreadyOwnedByYou
	}
	if err := os.MkdirAll(s.bucketDir(bucket), 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucket, err)
	}
	return nil
}

// DeleteBucketIfEmpty removes the bucket directory. Fails with
// ErrBucketNotEmpty if any non-hidden object or in-progress multipart upload
// remains.
func (s *Store) DeleteBucketIfEmpty(ctx context.Context, bucket string) error {
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s3err.ErrNoSuchBucket
	}
	uploads, err := s.ListMultipartUploads(ctx, bucket, ListUploadsOptions{MaxUploads: 1})
	if err != nil {
		return err
	}
	if len(uploads.Uploads) > 0 {
		return s3err.ErrBucketNotEmpty
	}
	res, err := s.ListObjects(ctx, bucket, ListObjectsOptions{MaxKeys: 1})
	if err != nil {
		return err
	}
	if len(res.Objects) > 0 {
		return s3err.ErrBucketNotEmpty
	}
	if err := os.RemoveAll(s.bucketDir(bucket)); err != nil {
		return fmt.Errorf("removing bucket directory %q: %w", bucket, err)
	}
	return nil
}

// ListBuckets enumerates top-level bucket directories.
func (s *Store) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading storage root: %w", err)
	}
	var out []BucketInfo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BucketInfo{Name: e.Name(), CreatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Sub-resource sidecars (.versioning, .policy, .encryption_config, .cors) ---

func (s *Store) readSidecar(bucket, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.bucketDir(bucket), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) writeSidecar(bucket, name string, data []byte) error {
	return s.writeAtomic(filepath.Join(s.bucketDir(bucket), name), data)
}

func (s *Store) deleteSidecar(bucket, name string) error {
	err := os.Remove(filepath.Join(s.bucketDir(bucket), name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) GetVersioning(bucket string) (string, error) {
	data, err := s.readSidecar(bucket, ".versioning")
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "Unset", nil
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) SetVersioning(bucket, state string) error {
	return s.writeSidecar(bucket, ".versioning", []byte(state))
}

func (s *Store) GetPolicy(bucket string) ([]byte, error) { return s.readSidecar(bucket, ".policy") }
func (s *Store) SetPolicy(bucket string, doc []byte) error {
	return s.writeSidecar(bucket, ".policy", doc)
}
func (s *Store) DeletePolicy(bucket string) error { return s.deleteSidecar(bucket, ".policy") }

func (s *Store) GetEncryptionConfig(bucket string) ([]byte, error) {
	return s.readSidecar(bucket, ".encryption_config")
}
func (s *Store) SetEncryptionConfig(bucket string, doc []byte) error {
	return s.writeSidecar(bucket, ".encryption_config", doc)
}
func (s *Store) DeleteEncryptionConfig(bucket string) error {
	return s.deleteSidecar(bucket, ".encryption_config")
}

func (s *Store) GetCORS(bucket string) ([]byte, error) { return s.readSidecar(bucket, ".cors") }
func (s *Store) SetCORS(bucket string, doc []byte) error {
	return s.writeSidecar(bucket, ".cors", doc)
}
func (s *Store) DeleteCORS(bucket string) error { return s.deleteSidecar(bucket, ".cors") }

// --- Object metadata I/O ---

func (s *Store) readMeta(path string) (*ObjectMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m ObjectMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding metadata %q: %w", path, err)
	}
	return &m, nil
}

func (s *Store) writeMeta(path string, m *ObjectMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return s.writeAtomic(path, data)
}

// ObjectExists reports whether a (non-hidden) payload exists at bucket/key.
func (s *Store) ObjectExists(bucket, key string) (bool, error) {
	info, err := os.Stat(s.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// PutObjectInput describes a new object payload and its sidecar fields.
type PutObjectInput struct {
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	UserMetadata       map[string]string
	OwnerID            string
	OwnerDisplay       string
	Encryption         *EncryptionRecord
}

// PutObject writes a payload and its sidecar atomically. If the bucket has
// versioning Enabled, the previous latest version (if any) is preserved
// under .versions/<key>/<versionId> before the new one replaces it.
func (s *Store) PutObject(ctx context.Context, bucket, key string, r io.Reader, in PutObjectInput) (*ObjectMeta, error) {
	lock := s.keyLock(bucket, key)
	lock.Lock()
	defer lock.Unlock()

	versioning, err := s.GetVersioning(bucket)
	if err != nil {
		return nil, err
	}

	if versioning == "Enabled" {
		if err := s.archiveCurrentVersion(bucket, key); err != nil {
			return nil, err
		}
	}

	size, etag, err := s.writeStreamAtomic(s.objectPath(bucket, key), r)
	if err != nil {
		return nil, err
	}

	meta := &ObjectMeta{
		ContentType:        in.ContentType,
		ContentEncoding:    in.ContentEncoding,
		ContentLanguage:    in.ContentLanguage,
		ContentDisposition: in.ContentDisposition,
		CacheControl:       in.CacheControl,
		Expires:            in.Expires,
		StorageClass:       in.StorageClass,
		UserMetadata:       in.UserMetadata,
		Size:               size,
		ETag:               fmt.Sprintf("%q", etag),
		LastModified:       time.Now().UTC(),
		OwnerID:            in.OwnerID,
		OwnerDisplay:       in.OwnerDisplay,
		Encryption:         in.Encryption,
		IsLatest:           true,
	}
	if versioning == "Enabled" {
		meta.VersionID = NewVersionID()
	}
	if err := s.writeMeta(s.metaPath(bucket, key), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// archiveCurrentVersion moves the current latest payload+sidecar into
// .versions/<key>/<versionId> before a new PUT or DELETE replaces it.
func (s *Store) archiveCurrentVersion(bucket, key string) error {
	meta, err := s.readMeta(s.metaPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	prevID := meta.VersionID
	if prevID == "" {
		prevID = NewVersionID()
	}
	meta.IsLatest = false

	srcPayload := s.objectPath(bucket, key)
	if !meta.DeleteMarker {
		data, err := os.ReadFile(srcPayload)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading current payload for archival: %w", err)
		}
		if err == nil {
			if err := s.writeAtomic(s.versionPath(bucket, key, prevID), data); err != nil {
				return err
			}
		}
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.writeAtomic(s.versionPath(bucket, key, prevID)+".metadata", metaData)
}

// GetObject opens the current (or a specific version's) payload for reading.
func (s *Store) GetObject(ctx context.Context, bucket, key, versionID string) (io.ReadCloser, *ObjectMeta, error) {
	var payloadPath, metaPath string
	if versionID != "" {
		payloadPath = s.versionPath(bucket, key, versionID)
		metaPath = payloadPath + ".metadata"
	} else {
		payloadPath = s.objectPath(bucket, key)
		metaPath = s.metaPath(bucket, key)
	}

	meta, err := s.readMeta(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, s3err.ErrNoSuchKey
		}
		return nil, nil, err
	}
	if meta.DeleteMarker {
		return nil, meta, s3err.ErrNoSuchKey
	}
	f, err := os.Open(payloadPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, s3err.ErrNoSuchKey
		}
		return nil, nil, fmt.Errorf("opening payload %q: %w", payloadPath, err)
	}
	return f, meta, nil
}

// HeadObject returns sidecar metadata only, without opening the payload.
func (s *Store) HeadObject(ctx context.Context, bucket, key, versionID string) (*ObjectMeta, error) {
	metaPath := s.metaPath(bucket, key)
	if versionID != "" {
		metaPath = s.versionPath(bucket, key, versionID) + ".metadata"
	}
	meta, err := s.readMeta(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrNoSuchKey
		}
		return nil, err
	}
	if meta.DeleteMarker {
		return nil, s3err.ErrNoSuchKey
	}
	return meta, nil
}

// DeleteObjectResult reports what a DeleteObject call actually did, so the
// handler can set the x-amz-delete-marker / x-amz-version-id response headers.
type DeleteObjectResult struct {
	DeleteMarkerCreated bool
	VersionID           string
}

// DeleteObject implements unversioned removal, delete-marker creation when
// versioning is Enabled, and removal of a specific version id.
func (s *Store) DeleteObject(ctx context.Context, bucket, key, versionID string) (DeleteObjectResult, error) {
	lock := s.keyLock(bucket, key)
	lock.Lock()
	defer lock.Unlock()

	if versionID != "" {
		return s.deleteSpecificVersion(bucket, key, versionID)
	}

	versioning, err := s.GetVersioning(bucket)
	if err != nil {
		return DeleteObjectResult{}, err
	}
	if versioning != "Enabled" {
		if err := os.Remove(s.objectPath(bucket, key)); err != nil && !os.IsNotExist(err) {
			return DeleteObjectResult{}, fmt.Errorf("removing payload: %w", err)
		}
		os.Remove(s.metaPath(bucket, key))
		s.cleanEmptyParents(filepath.Dir(s.objectPath(bucket, key)), s.bucketDir(bucket))
		return DeleteObjectResult{}, nil
	}

	if err := s.archiveCurrentVersion(bucket, key); err != nil {
		return DeleteObjectResult{}, err
	}
	markerID := NewVersionID()
	marker := &ObjectMeta{
		VersionID:    markerID,
		IsLatest:     true,
		DeleteMarker: true,
		LastModified: time.Now().UTC(),
	}
	os.Remove(s.objectPath(bucket, key))
	if err := s.writeMeta(s.metaPath(bucket, key), marker); err != nil {
		return DeleteObjectResult{}, err
	}
	return DeleteObjectResult{DeleteMarkerCreated: true, VersionID: markerID}, nil
}

// deleteSpecificVersion removes exactly one version. If it was the current
// latest, the next-newest surviving version is promoted.
func (s *Store) deleteSpecificVersion(bucket, key, versionID string) (DeleteObjectResult, error) {
	currentMeta, err := s.readMeta(s.metaPath(bucket, key))
	isCurrent := err == nil && currentMeta.VersionID == versionID

	if isCurrent {
		os.Remove(s.objectPath(bucket, key))
		os.Remove(s.metaPath(bucket, key))
		if err := s.promoteNewestVersion(bucket, key); err != nil {
			return DeleteObjectResult{}, err
		}
		return DeleteObjectResult{VersionID: versionID}, nil
	}

	os.Remove(s.versionPath(bucket, key, versionID))
	os.Remove(s.versionPath(bucket, key, versionID) + ".metadata")
	return DeleteObjectResult{VersionID: versionID}, nil
}

// promoteNewestVersion moves the lexicographically-greatest (= newest,
// version ids are monotonic) archived version back to current.
func (s *Store) promoteNewestVersion(bucket, key string) error {
	dir := s.versionDir(bucket, key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".metadata") {
			continue
		}
		ids = append(ids, e.Name())
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	newest := ids[len(ids)-1]

	meta, err := s.readMeta(filepath.Join(dir, newest) + ".metadata")
	if err != nil {
		return err
	}
	if !meta.DeleteMarker {
		data, err := os.ReadFile(filepath.Join(dir, newest))
		if err != nil {
			return err
		}
		if err := s.writeAtomic(s.objectPath(bucket, key), data); err != nil {
			return err
		}
	}
	meta.IsLatest = true
	if err := s.writeMeta(s.metaPath(bucket, key), meta); err != nil {
		return err
	}
	os.Remove(filepath.Join(dir, newest))
	os.Remove(filepath.Join(dir, newest) + ".metadata")
	return nil
}

// cleanEmptyParents removes now-empty key-derived subdirectories up to (but
// not including) stopAt, mirroring the teacher's directory-per-slash layout.
func (s *Store) cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// HealthCheck verifies that the storage root is accessible.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(s.Root)
	return err
}
