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
	"time"

	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/uid"
)

const minPartSize = 5 * 1024 * 1024 // 5 MiB; waived for the final part

// UploadDescriptor is the JSON descriptor persisted at
// .multipart/<uploadId>.upload while an upload is in progress.
type UploadDescriptor struct {
	UploadID           string            `json:"upload_id"`
	Bucket             string            `json:"bucket"`
	Key                string            `json:"key"`
	ContentType        string            `json:"content_type"`
	ContentEncoding    string            `json:"content_encoding,omitempty"`
	ContentLanguage    string            `json:"content_language,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	Expires            string            `json:"expires,omitempty"`
	StorageClass       string            `json:"storage_class,omitempty"`
	UserMetadata       map[string]string `json:"user_metadata,omitempty"`
	OwnerID            string            `json:"owner_id,omitempty"`
	OwnerDisplay       string            `json:"owner_display,omitempty"`
	Encryption         *EncryptionRecord `json:"encryption,omitempty"`
	InitiatedAt        time.Time         `json:"initiated_at"`
}

// PartMeta is the JSON sidecar persisted at .multipart/<uploadId>/<n>.meta.
type PartMeta struct {
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

func (s *Store) multipartDir(bucket, uploadID string) string {
	return filepath.Join(s.bucketDir(bucket), ".multipart", uploadID)
}

func (s *Store) uploadDescriptorPath(bucket, uploadID string) string {
	return filepath.Join(s.bucketDir(bucket), ".multipart", uploadID+".upload")
}

func (s *Store) partPath(bucket, uploadID string, partNumber int) string {
	return filepath.Join(s.multipartDir(bucket, uploadID), fmt.Sprintf("%05d", partNumber))
}

// InitiateMultipartUpload allocates a new upload id and persists its
// descriptor.
func (s *Store) InitiateMultipartUpload(ctx context.Context, bucket, key string, in PutObjectInput) (*UploadDescriptor, error) {
	desc := &UploadDescriptor{
		UploadID:           uid.New(),
		Bucket:             bucket,
		Key:                key,
		ContentType:        in.ContentType,
		ContentEncoding:    in.ContentEncoding,
		ContentLanguage:    in.ContentLanguage,
		ContentDisposition: in.ContentDisposition,
		CacheControl:       in.CacheControl,
		Expires:            in.Expires,
		StorageClass:       in.StorageClass,
		UserMetadata:       in.UserMetadata,
		OwnerID:            in.OwnerID,
		OwnerDisplay:       in.OwnerDisplay,
		Encryption:         in.Encryption,
		InitiatedAt:        time.Now().UTC(),
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	if err := s.writeAtomic(s.uploadDescriptorPath(bucket, desc.UploadID), data); err != nil {
		return nil, err
	}
	return desc, nil
}

// GetMultipartUpload reads back the in-progress upload descriptor.
func (s *Store) GetMultipartUpload(ctx context.Context, bucket, uploadID string) (*UploadDescriptor, error) {
	data, err := os.ReadFile(s.uploadDescriptorPath(bucket, uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrNoSuchUpload
		}
		return nil, err
	}
	var desc UploadDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("decoding upload descriptor: %w", err)
	}
	return &desc, nil
}

// UploadPart writes a single part's payload and sidecar, overwriting any
// prior part with the same number.
func (s *Store) UploadPart(ctx context.Context, bucket, uploadID string, partNumber int, r io.Reader) (*PartMeta, error) {
	if _, err := s.GetMultipartUpload(ctx, bucket, uploadID); err != nil {
		return nil, err
	}
	path := s.partPath(bucket, uploadID, partNumber)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating part directory: %w", err)
	}
	size, md5hex, err := s.writeStreamAtomic(path, r)
	if err != nil {
		return nil, err
	}
	pm := &PartMeta{
		PartNumber:   partNumber,
		Size:         size,
		ETag:         fmt.Sprintf("%q", md5hex),
		LastModified: time.Now().UTC(),
	}
	data, err := json.Marshal(pm)
	if err != nil {
		return nil, err
	}
	if err := s.writeAtomic(path+".meta", data); err != nil {
		return nil, err
	}
	return pm, nil
}

// CompletedPart is one entry of the client-supplied ordered part list.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CompleteMultipartUpload validates the ordered part list, concatenates
// payloads into the target object, computes the composite ETag, and
// discards the staging area.
func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, uploadID string, parts []CompletedPart) (*ObjectMeta, error) {
	desc, err := s.GetMultipartUpload(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		return nil, s3err.ErrInvalidPart
	}
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return nil, s3err.ErrInvalidPartOrder
		}
		prev = p.PartNumber
	}

	metas := make([]*PartMeta, len(parts))
	for i, p := range parts {
		pm, err := s.readPartMeta(bucket, uploadID, p.PartNumber)
		if err != nil {
			return nil, s3err.ErrInvalidPart
		}
		if pm.ETag != p.ETag {
			return nil, s3err.ErrInvalidPart
		}
		metas[i] = pm
	}
	for i, pm := range metas {
		if i < len(metas)-1 && pm.Size < minPartSize {
			return nil, s3err.ErrEntityTooSmall
		}
	}

	lock := s.keyLock(bucket, desc.Key)
	lock.Lock()
	defer lock.Unlock()

	versioning, err := s.GetVersioning(bucket)
	if err != nil {
		return nil, err
	}
	if versioning == "Enabled" {
		if err := s.archiveCurrentVersion(bucket, desc.Key); err != nil {
			return nil, err
		}
	}

	objPath := s.objectPath(bucket, desc.Key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directories: %w", err)
	}
	tmp := s.tempPath()
	tmpFile, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating assembly temp file: %w", err)
	}
	compositeMD5 := md5.New()
	var total int64
	for _, p := range parts {
		partPath := s.partPath(bucket, uploadID, p.PartNumber)
		pf, err := os.Open(partPath)
		if err != nil {
			tmpFile.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("opening part %d: %w", p.PartNumber, err)
		}
		partHash := md5.New()
		n, err := io.Copy(tmpFile, io.TeeReader(pf, partHash))
		pf.Close()
		if err != nil {
			tmpFile.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("copying part %d: %w", p.PartNumber, err)
		}
		total += n
		compositeMD5.Write(partHash.Sum(nil))
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("syncing assembled object: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("closing assembled object: %w", err)
	}
	if err := os.Rename(tmp, objPath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("renaming assembled object: %w", err)
	}

	etag := fmt.Sprintf("%q-%d", fmt.Sprintf("%x", compositeMD5.Sum(nil)), len(parts))
	meta := &ObjectMeta{
		ContentType:        desc.ContentType,
		ContentEncoding:    desc.ContentEncoding,
		ContentLanguage:    desc.ContentLanguage,
		ContentDisposition: desc.ContentDisposition,
		CacheControl:       desc.CacheControl,
		Expires:            desc.Expires,
		StorageClass:       desc.StorageClass,
		UserMetadata:       desc.UserMetadata,
		Size:               total,
		ETag:               etag,
		LastModified:       time.Now().UTC(),
		OwnerID:            desc.OwnerID,
		OwnerDisplay:       desc.OwnerDisplay,
		Encryption:         desc.Encryption,
		IsLatest:           true,
	}
	if versioning == "Enabled" {
		meta.VersionID = NewVersionID()
	}
	if err := s.writeMeta(s.metaPath(bucket, desc.Key), meta); err != nil {
		return nil, err
	}

	os.RemoveAll(s.multipartDir(bucket, uploadID))
	os.Remove(s.uploadDescriptorPath(bucket, uploadID))
	return meta, nil
}

// AbortMultipartUpload discards the staging directory and descriptor.
func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, uploadID string) error {
	if err := os.RemoveAll(s.multipartDir(bucket, uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing multipart staging directory: %w", err)
	}
	if err := os.Remove(s.uploadDescriptorPath(bucket, uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing upload descriptor: %w", err)
	}
	return nil
}

func (s *Store) readPartMeta(bucket, uploadID string, partNumber int) (*PartMeta, error) {
	data, err := os.ReadFile(s.partPath(bucket, uploadID, partNumber) + ".meta")
	if err != nil {
		return nil, err
	}
	var pm PartMeta
	if err := json.Unmarshal(data, &pm); err != nil {
		return nil, err
	}
	return &pm, nil
}

// ListPartsOptions controls ListParts pagination.
type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

// ListPartsResult holds one page of a ListParts call.
type ListPartsResult struct {
	Parts                []PartMeta
	IsTruncated          bool
	NextPartNumberMarker int
}

// ListParts enumerates the uploaded parts of an in-progress upload.
func (s *Store) ListParts(ctx context.Context, bucket, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	dir := s.multipartDir(bucket, uploadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &ListPartsResult{}, nil
		}
		return nil, err
	}
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	var numbers []int
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".meta") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name, "%05d", &n); err == nil {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	res := &ListPartsResult{}
	for _, n := range numbers {
		if n <= opts.PartNumberMarker {
			continue
		}
		if len(res.Parts) >= maxParts {
			res.IsTruncated = true
			res.NextPartNumberMarker = n
			break
		}
		pm, err := s.readPartMeta(bucket, uploadID, n)
		if err != nil {
			continue
		}
		res.Parts = append(res.Parts, *pm)
	}
	return res, nil
}

// ListUploadsOptions controls ListMultipartUploads pagination.
type ListUploadsOptions struct {
	KeyMarker      string
	UploadIDMarker string
	Prefix         string
	MaxUploads     int
}

// ListUploadsResult holds one page of a ListMultipartUploads call.
type ListUploadsResult struct {
	Uploads     []UploadDescriptor
	IsTruncated bool
}

// ListMultipartUploads enumerates in-progress uploads for a bucket.
func (s *Store) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	dir := filepath.Join(s.bucketDir(bucket), ".multipart")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &ListUploadsResult{}, nil
		}
		return nil, err
	}
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	var descs []UploadDescriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".upload") {
			continue
		}
		uploadID := strings.TrimSuffix(e.Name(), ".upload")
		desc, err := s.GetMultipartUpload(ctx, bucket, uploadID)
		if err != nil {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(desc.Key, opts.Prefix) {
			continue
		}
		descs = append(descs, *desc)
	}
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Key != descs[j].Key {
			return descs[i].Key < descs[j].Key
		}
		return descs[i].UploadID < descs[j].UploadID
	})

	res := &ListUploadsResult{}
	for _, d := range descs {
		if len(res.Uploads) >= maxUploads {
			res.IsTruncated = true
			break
		}
		res.Uploads = append(res.Uploads, d)
	}
	return res, nil
}

// ReapExpiredUploads removes multipart uploads initiated more than ttlSeconds
// ago, returning the ones it cleaned up. Called once at startup as part of
// crash-only recovery.
func (s *Store) ReapExpiredUploads(ttlSeconds int) ([]UploadDescriptor, error) {
	buckets, err := s.ListBuckets(context.Background())
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second)
	var reaped []UploadDescriptor
	for _, b := range buckets {
		res, err := s.ListMultipartUploads(context.Background(), b.Name, ListUploadsOptions{MaxUploads: 1 << 30})
		if err != nil {
			continue
		}
		for _, d := range res.Uploads {
			if d.InitiatedAt.Before(cutoff) {
				if err := s.AbortMultipartUpload(context.Background(), b.Name, d.UploadID); err == nil {
					reaped = append(reaped, d)
				}
			}
		}
	}
	return reaped, nil
}
