// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"

	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/storage"
	"github.com/bleepstore/enginestore/internal/wal"
	"github.com/bleepstore/enginestore/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	store        *storage.Store
	quota        *storage.QuotaCache
	wal          *wal.WAL
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
// quota and walWriter may be nil to disable quota enforcement and WAL append
// respectively.
func NewBucketHandler(store *storage.Store, quota *storage.QuotaCache, walWriter *wal.WAL, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		store:        store,
		quota:        quota,
		wal:          walWriter,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// enqueueWAL records a bucket sub-resource mutation (§3's PutObjectMetadata
// op kind), mirroring ObjectHandler's enqueueWAL.
func (h *BucketHandler) enqueueWAL(bucketName string) {
	if h.wal != nil {
		h.wal.Enqueue(wal.Entry{Op: wal.OpPutObjectMetadata, Bucket: bucketName})
	}
}

// ListBuckets handles GET / and returns a list of all buckets on this node.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	buckets, err := h.store.ListBuckets(ctx)
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var xmlBuckets []xmlutil.Bucket
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          h.ownerID,
			DisplayName: h.ownerDisplay,
		},
		Buckets: xmlBuckets,
	}

	xmlutil.RenderListBuckets(w, result)
}

// CreateBucket handles PUT /{bucket} and creates a new bucket with the
// specified name.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	if errMsg := validateBucketName(bucketName); errMsg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	if err := h.store.CreateBucket(ctx, bucketName); err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok && s3e.Code == "BucketAlreadyOwnedByYou" {
			// Single-tenant node: re-creating your own bucket is a no-op success.
			w.Header().Set("Location", "/"+bucketName)
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.Error("CreateBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket} and removes the specified bucket.
// The bucket must be empty before it can be deleted.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	if err := h.store.DeleteBucketIfEmpty(ctx, bucketName); err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("DeleteBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket} and checks whether the specified bucket
// exists and is accessible.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.store.BucketExists(bucketName)
	_ = ctx
	if err != nil {
		slog.Error("HeadBucket error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", h.region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location and returns the region
// constraint for the specified bucket (always a fixed constant, §4.G.1).
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("GetBucketLocation error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	// The location is always us-east-1, which S3 reports as an empty
	// LocationConstraint (effectively null).
	xmlutil.RenderLocationConstraint(w, "")
}

// parseCreateBucketRegion parses a CreateBucketConfiguration XML body to
// extract the LocationConstraint value. Returns the default region if
// parsing fails or no LocationConstraint is specified.
func parseCreateBucketRegion(body []byte, defaultRegion string) string {
	type createBucketConfig struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	var config createBucketConfig
	if err := xml.Unmarshal(body, &config); err != nil {
		return defaultRegion
	}
	if config.LocationConstraint == "" {
		return defaultRegion
	}
	return config.LocationConstraint
}

// ensureBucketExists is a helper that checks for bucket existence and writes
// the appropriate error response if it does not exist.
func (h *BucketHandler) ensureBucketExists(w http.ResponseWriter, r *http.Request, bucketName string) bool {
	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("ensureBucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return false
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return false
	}
	return true
}

// readBoundedBody reads up to 1 MiB of the request body, the cap the teacher
// uses for small XML/JSON sub-resource payloads.
func readBoundedBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}
