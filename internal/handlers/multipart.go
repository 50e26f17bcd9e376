package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/bleepstore/enginestore/internal/encryption"
	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/storage"
	"github.com/bleepstore/enginestore/internal/wal"
	"github.com/bleepstore/enginestore/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	store         *storage.Store
	wal           *wal.WAL
	masterKey     *encryption.MasterKey
	globalEncrypt bool
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler creates a new MultipartHandler with the given dependencies.
func NewMultipartHandler(store *storage.Store, walWriter *wal.WAL, masterKey *encryption.MasterKey, globalEncrypt bool, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		store:         store,
		wal:           walWriter,
		masterKey:     masterKey,
		globalEncrypt: globalEncrypt,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

func (h *MultipartHandler) enqueueWAL(e wal.Entry) {
	if h.wal != nil {
		h.wal.Enqueue(e)
	}
}

func (h *MultipartHandler) shouldEncrypt(bucket string) bool {
	if h.globalEncrypt {
		return true
	}
	doc, err := h.store.GetEncryptionConfig(bucket)
	if err != nil || len(doc) == 0 {
		return false
	}
	return strings.Contains(string(doc), "AES256")
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a new multipart upload, returning an upload ID. Parts are staged as
// plaintext; the assembled object is sealed only at CompleteMultipartUpload
// time (the object's encryption record is resolved at completion, not here).
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("CreateMultipartUpload BucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	in := storage.PutObjectInput{
		ContentType:        contentType,
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		UserMetadata:       extractUserMetadata(r),
		OwnerID:            h.ownerID,
		OwnerDisplay:       h.ownerDisplay,
	}

	desc, err := h.store.InitiateMultipartUpload(ctx, bucketName, key, in)
	if err != nil {
		slog.Error("CreateMultipartUpload storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: desc.UploadID,
	}
	xmlutil.RenderInitiateMultipartUpload(w, result)
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// uploads a single part of a multipart upload.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	if copySource := r.Header.Get("X-Amz-Copy-Source"); copySource != "" {
		h.uploadPartCopy(w, r, bucketName, key, copySource)
		return
	}

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	desc, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("UploadPart GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if desc.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	pm, err := h.store.UploadPart(ctx, bucketName, uploadID, partNumber, r.Body)
	if err != nil {
		slog.Error("UploadPart storage error", "error", err)
		writeBodyReadError(w, r, err)
		return
	}

	w.Header().Set("ETag", pm.ETag)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID with
// an X-Amz-Copy-Source header, copying a byte range from an existing object
// into a part.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucketName, key, copySource string) {
	ctx := r.Context()
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	desc, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("UploadPartCopy GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if desc.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	srcReader, srcMeta, err := h.store.GetObject(ctx, srcBucket, srcKey, "")
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("UploadPartCopy GetObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	plainReader, plainSize, err := openPayload(srcReader, srcMeta.Encryption, h.masterKey)
	if err != nil {
		slog.Error("UploadPartCopy decrypt error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer plainReader.Close()
	if plainSize < 0 {
		plainSize = srcMeta.Size
	}

	var partReader io.Reader = plainReader
	copyRange := r.Header.Get("X-Amz-Copy-Source-Range")
	if copyRange != "" {
		start, end, rangeErr := parseRange(copyRange, plainSize)
		if rangeErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		if seeker, seekOK := plainReader.(io.ReadSeeker); seekOK {
			if _, seekErr := seeker.Seek(start, io.SeekStart); seekErr != nil {
				slog.Error("UploadPartCopy seek error", "error", seekErr)
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
				return
			}
		} else if _, discardErr := io.CopyN(io.Discard, plainReader, start); discardErr != nil {
			slog.Error("UploadPartCopy discard error", "error", discardErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		partReader = io.LimitReader(plainReader, end-start+1)
	}

	pm, err := h.store.UploadPart(ctx, bucketName, uploadID, partNumber, partReader)
	if err != nil {
		slog.Error("UploadPartCopy storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CopyPartResult{
		ETag:         pm.ETag,
		LastModified: xmlutil.FormatTimeS3(pm.LastModified),
	}
	xmlutil.RenderCopyPartResult(w, result)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// assembles previously uploaded parts into a complete object. Parts are
// staged as plaintext; if the bucket has default encryption active, the
// assembled object is sealed here, once, rather than part-by-part.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	desc, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("CompleteMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if desc.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	completeParts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		slog.Error("CompleteMultipartUpload XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(completeParts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	parts := make([]storage.CompletedPart, len(completeParts))
	for i, p := range completeParts {
		parts[i] = storage.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	meta, err := h.store.CompleteMultipartUpload(ctx, bucketName, uploadID, parts)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("CompleteMultipartUpload storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if h.shouldEncrypt(bucketName) {
		if sealErr := h.sealAssembledObject(ctx, bucketName, key); sealErr != nil {
			slog.Error("CompleteMultipartUpload seal error", "error", sealErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		meta, err = h.store.HeadObject(ctx, bucketName, key, "")
		if err != nil {
			slog.Error("CompleteMultipartUpload re-read error", "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
	}

	h.enqueueWAL(wal.Entry{Op: wal.OpPutObject, Bucket: bucketName, Key: key, Size: meta.Size, ETag: meta.ETag})

	result := &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     meta.ETag,
	}
	xmlutil.RenderCompleteMultipartUpload(w, result)
}

// sealAssembledObject re-reads the just-assembled plaintext object, encrypts
// it in place, and rewrites the sidecar with the resulting EncryptionRecord.
// This realizes §13's resolution that multipart objects are sealed only
// once, at completion, rather than per uploaded part.
func (h *MultipartHandler) sealAssembledObject(ctx context.Context, bucket, key string) error {
	reader, meta, err := h.store.GetObject(ctx, bucket, key, "")
	if err != nil {
		return err
	}
	plaintext, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return err
	}

	in := storage.PutObjectInput{
		ContentType:        meta.ContentType,
		ContentEncoding:    meta.ContentEncoding,
		ContentLanguage:    meta.ContentLanguage,
		ContentDisposition: meta.ContentDisposition,
		CacheControl:       meta.CacheControl,
		Expires:            meta.Expires,
		StorageClass:       meta.StorageClass,
		UserMetadata:       meta.UserMetadata,
		OwnerID:            meta.OwnerID,
		OwnerDisplay:       meta.OwnerDisplay,
	}

	sealedBody, rec, err := sealPayload(strings.NewReader(string(plaintext)), h.masterKey)
	if err != nil {
		return err
	}
	in.Encryption = rec

	_, err = h.store.PutObject(ctx, bucket, key, sealedBody, in)
	return err
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID and
// cancels an in-progress multipart upload, freeing associated resources.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	desc, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("AbortMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if desc.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if err := h.store.AbortMultipartUpload(ctx, bucketName, uploadID); err != nil {
		slog.Error("AbortMultipartUpload storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads and returns a list of
// in-progress multipart uploads for the specified bucket.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("ListMultipartUploads BucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	maxUploads := 1000
	if mu := q.Get("max-uploads"); mu != "" {
		if parsed, perr := strconv.Atoi(mu); perr == nil && parsed >= 0 {
			maxUploads = parsed
		}
	}

	listResult, err := h.store.ListMultipartUploads(ctx, bucketName, storage.ListUploadsOptions{
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		Prefix:         prefix,
		MaxUploads:     maxUploads,
	})
	if err != nil {
		slog.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         bucketName,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
		IsTruncated:    listResult.IsTruncated,
	}
	for _, u := range listResult.Uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:      u.Key,
			UploadID: u.UploadID,
			Initiator: xmlutil.Owner{
				ID:          u.OwnerID,
				DisplayName: u.OwnerDisplay,
			},
			Owner: xmlutil.Owner{
				ID:          u.OwnerID,
				DisplayName: u.OwnerDisplay,
			},
			Initiated: xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	_ = delimiter

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID and returns a list of
// parts that have been uploaded for the specified multipart upload.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	desc, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("ListParts GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if desc.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	partNumberMarker := 0
	if pm := q.Get("part-number-marker"); pm != "" {
		if parsed, perr := strconv.Atoi(pm); perr == nil {
			partNumberMarker = parsed
		}
	}
	maxParts := 1000
	if mp := q.Get("max-parts"); mp != "" {
		if parsed, perr := strconv.Atoi(mp); perr == nil && parsed >= 0 {
			maxParts = parsed
		}
	}

	listResult, err := h.store.ListParts(ctx, bucketName, uploadID, storage.ListPartsOptions{
		PartNumberMarker: partNumberMarker,
		MaxParts:         maxParts,
	})
	if err != nil {
		slog.Error("ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:              uploadID,
		PartNumberMarker:      partNumberMarker,
		NextPartNumberMarker:  listResult.NextPartNumberMarker,
		MaxParts:              maxParts,
		IsTruncated:           listResult.IsTruncated,
	}
	for _, p := range listResult.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}
