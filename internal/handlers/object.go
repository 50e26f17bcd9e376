// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/bleepstore/enginestore/internal/chunked"
	"github.com/bleepstore/enginestore/internal/encryption"
	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/metrics"
	"github.com/bleepstore/enginestore/internal/storage"
	"github.com/bleepstore/enginestore/internal/wal"
	"github.com/bleepstore/enginestore/internal/xmlutil"
)

// writeBodyReadError maps a chunked-decoder signature failure to the S3
// error code a streamed PutObject/UploadPart client expects; anything else
// is an opaque internal error.
func writeBodyReadError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, chunked.ErrSignatureMismatch) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrSignatureDoesNotMatch)
		return
	}
	xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
}

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	store        *storage.Store
	quota        *storage.QuotaCache
	wal          *wal.WAL
	masterKey    *encryption.MasterKey
	globalEncrypt bool
	ownerID      string
	ownerDisplay string
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
// quota, walWriter and masterKey may all be nil to disable the respective
// feature (no quota enforcement, no WAL append, no key-wrapping).
func NewObjectHandler(store *storage.Store, quota *storage.QuotaCache, walWriter *wal.WAL, masterKey *encryption.MasterKey, globalEncrypt bool, ownerID, ownerDisplay string) *ObjectHandler {
	return &ObjectHandler{
		store:         store,
		quota:         quota,
		wal:           walWriter,
		masterKey:     masterKey,
		globalEncrypt: globalEncrypt,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
	}
}

func (h *ObjectHandler) enqueueWAL(e wal.Entry) {
	if h.wal != nil {
		h.wal.Enqueue(e)
	}
}

// shouldEncrypt decides whether a new object should be sealed, per §4.B's
// activation rules: global config flag, or the bucket's default-encryption
// sub-resource being set to AES256.
func (h *ObjectHandler) shouldEncrypt(bucket string) bool {
	if h.globalEncrypt {
		return true
	}
	doc, err := h.store.GetEncryptionConfig(bucket)
	if err != nil || len(doc) == 0 {
		return false
	}
	return bytes.Contains(doc, []byte("AES256"))
}

// sealPayload reads the full request body, encrypts it, and returns a
// reader over the ciphertext plus the EncryptionRecord to persist. Buffering
// in memory matches the engine's "seal once assembled" approach (§4.B/§13
// Open Question #1's sibling decision for simple PUT: encrypt before the
// atomic write rather than streaming block-by-block).
func sealPayload(r io.Reader, mk *encryption.MasterKey) (io.Reader, *storage.EncryptionRecord, error) {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := encryption.Seal(plaintext)
	if err != nil {
		return nil, nil, err
	}

	rec := &storage.EncryptionRecord{Algorithm: "AES256", Nonce: sealed.Nonce}
	if mk != nil {
		wrapped, werr := mk.Wrap(sealed.Key)
		if werr != nil {
			return nil, nil, werr
		}
		rec.DataKey = wrapped
		rec.Wrapped = true
	} else {
		rec.DataKey = sealed.Key
	}
	return bytes.NewReader(sealed.Ciphertext), rec, nil
}

// openPayload decrypts a sealed payload entirely into memory, reversing
// sealPayload. Returns the ciphertext reader unchanged if meta carries no
// encryption record.
func openPayload(r io.ReadCloser, rec *storage.EncryptionRecord, mk *encryption.MasterKey) (io.ReadCloser, int64, error) {
	if rec == nil || rec.Algorithm == "" {
		return r, -1, nil
	}
	defer r.Close()

	ciphertext, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}

	key := rec.DataKey
	if rec.Wrapped {
		if mk == nil {
			return nil, 0, fmt.Errorf("encrypted object requires a master key to unwrap")
		}
		key, err = mk.Unwrap(rec.DataKey)
		if err != nil {
			return nil, 0, err
		}
	}

	plaintext, err := encryption.Open(ciphertext, key, rec.Nonce)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(plaintext)), int64(len(plaintext)), nil
}

// PutObject handles PUT /{bucket}/{object} and stores an object in the
// specified bucket. Follows crash-only design: writes to temp file, fsyncs,
// renames atomically, then appends a WAL entry. Never acknowledges before
// the atomic rename commits.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("PutObject BucketExists error", "error", err)
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
	userMeta := extractUserMetadata(r)

	in := storage.PutObjectInput{
		ContentType:        contentType,
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		UserMetadata:       userMeta,
		OwnerID:            h.ownerID,
		OwnerDisplay:       h.ownerDisplay,
	}

	var body io.Reader = r.Body
	if h.shouldEncrypt(bucketName) {
		sealedBody, rec, sealErr := sealPayload(r.Body, h.masterKey)
		if sealErr != nil {
			slog.Error("PutObject seal error", "error", sealErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		body = sealedBody
		in.Encryption = rec
	}

	if h.quota != nil {
		ok, qerr := h.quota.Reserve(bucketName, r.ContentLength)
		if qerr != nil {
			slog.Error("PutObject quota error", "error", qerr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		if !ok {
			metrics.QuotaRejectedTotal.WithLabelValues(bucketName).Inc()
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInsufficientStorage)
			return
		}
	}

	meta, err := h.store.PutObject(ctx, bucketName, key, body, in)
	if err != nil {
		slog.Error("PutObject storage error", "error", err)
		writeBodyReadError(w, r, err)
		return
	}

	h.enqueueWAL(wal.Entry{Op: wal.OpPutObject, Bucket: bucketName, Key: key, Size: meta.Size, ETag: meta.ETag})

	w.Header().Set("ETag", meta.ETag)
	if meta.VersionID != "" {
		w.Header().Set("x-amz-version-id", meta.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object} and retrieves the object data
// and metadata from the specified bucket. Supports range requests,
// conditional requests, and ?versionId= for a specific version.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("GetObject BucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	reader, meta, err := h.store.GetObject(ctx, bucketName, key, versionID)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("GetObject storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, meta.ETag, meta.LastModified); skip {
		w.Header().Set("ETag", meta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(meta.LastModified))
		reader.Close()
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	plainReader, plainSize, err := openPayload(reader, meta.Encryption, h.masterKey)
	if err != nil {
		slog.Error("GetObject decrypt error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer plainReader.Close()
	if plainSize >= 0 {
		meta.Size = plainSize
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, meta.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.Size))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}

		if seeker, ok := plainReader.(io.ReadSeeker); ok {
			if _, seekErr := seeker.Seek(start, io.SeekStart); seekErr != nil {
				slog.Error("GetObject seek error", "error", seekErr)
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
				return
			}
		} else if _, discardErr := io.CopyN(io.Discard, plainReader, start); discardErr != nil {
			slog.Error("GetObject discard error", "error", discardErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}

		rangeLen := end - start + 1
		setObjectResponseHeaders(w, meta)
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, meta.Size))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, plainReader, rangeLen)
		return
	}

	setObjectResponseHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, plainReader)
}

// HeadObject handles HEAD /{bucket}/{object} and returns the object metadata
// without the object body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("HeadObject BucketExists error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	meta, err := h.store.HeadObject(ctx, bucketName, key, versionID)
	if err != nil {
		if _, ok := err.(*s3err.S3Error); ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("HeadObject storage error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, meta.ETag, meta.LastModified); skip {
		w.Header().Set("ETag", meta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(meta.LastModified))
		w.WriteHeader(statusCode)
		return
	}

	if meta.Encryption != nil && meta.Encryption.Algorithm != "" {
		// Ciphertext-on-disk size includes the 16-byte GCM tag; report the
		// plaintext size a client would actually receive from GetObject.
		meta.Size -= 16
	}
	setObjectResponseHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object} and removes the specified
// object (or, under versioning, creates a delete marker). Idempotent.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("DeleteObject BucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	result, err := h.store.DeleteObject(ctx, bucketName, key, versionID)
	if err != nil {
		slog.Error("DeleteObject storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	h.enqueueWAL(wal.Entry{Op: wal.OpDeleteObject, Bucket: bucketName, Key: key})

	if result.DeleteMarkerCreated {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	if result.VersionID != "" {
		w.Header().Set("x-amz-version-id", result.VersionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete and performs a multi-object
// delete operation. The request body contains an XML list of keys to delete.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("DeleteObjects BucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	deleteReq, err := parseDeleteRequest(r.Body)
	if err != nil {
		slog.Error("DeleteObjects XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}
	for _, obj := range deleteReq.Objects {
		if _, err := h.store.DeleteObject(ctx, bucketName, obj.Key, ""); err != nil {
			slog.Error("DeleteObjects storage error", "key", obj.Key, "error", err)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    "InternalError",
				Message: "We encountered an internal error. Please try again.",
			})
			continue
		}
		h.enqueueWAL(wal.Entry{Op: wal.OpDeleteObject, Bucket: bucketName, Key: obj.Key})
		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	xmlutil.RenderDeleteResult(w, result)
}

// CopyObject handles PUT /{bucket}/{object} with an X-Amz-Copy-Source header,
// copying an object from one location to another. Supports
// x-amz-metadata-directive: COPY (default) or REPLACE.
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)

	if dstKey == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	copySource := r.Header.Get("X-Amz-Copy-Source")
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	for _, b := range []string{dstBucket, srcBucket} {
		exists, err := h.store.BucketExists(b)
		if err != nil {
			slog.Error("CopyObject BucketExists error", "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		if !exists {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
	}

	srcReader, srcMeta, err := h.store.GetObject(ctx, srcBucket, srcKey, "")
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		slog.Error("CopyObject GetObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	plainReader, _, err := openPayload(srcReader, srcMeta.Encryption, h.masterKey)
	if err != nil {
		slog.Error("CopyObject decrypt error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer plainReader.Close()

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	if directive == "" {
		directive = "COPY"
	}

	in := storage.PutObjectInput{
		OwnerID:      h.ownerID,
		OwnerDisplay: h.ownerDisplay,
		StorageClass: srcMeta.StorageClass,
	}
	if directive == "REPLACE" {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		in.ContentType = contentType
		in.ContentEncoding = r.Header.Get("Content-Encoding")
		in.ContentLanguage = r.Header.Get("Content-Language")
		in.ContentDisposition = r.Header.Get("Content-Disposition")
		in.CacheControl = r.Header.Get("Cache-Control")
		in.Expires = r.Header.Get("Expires")
		in.UserMetadata = extractUserMetadata(r)
	} else {
		in.ContentType = srcMeta.ContentType
		in.ContentEncoding = srcMeta.ContentEncoding
		in.ContentLanguage = srcMeta.ContentLanguage
		in.ContentDisposition = srcMeta.ContentDisposition
		in.CacheControl = srcMeta.CacheControl
		in.Expires = srcMeta.Expires
		in.UserMetadata = srcMeta.UserMetadata
	}

	var body io.Reader = plainReader
	if h.shouldEncrypt(dstBucket) {
		sealedBody, rec, sealErr := sealPayload(plainReader, h.masterKey)
		if sealErr != nil {
			slog.Error("CopyObject seal error", "error", sealErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		body = sealedBody
		in.Encryption = rec
	}

	dstMeta, err := h.store.PutObject(ctx, dstBucket, dstKey, body, in)
	if err != nil {
		slog.Error("CopyObject storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	h.enqueueWAL(wal.Entry{Op: wal.OpPutObject, Bucket: dstBucket, Key: dstKey, Size: dstMeta.Size, ETag: dstMeta.ETag})

	result := &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(dstMeta.LastModified),
		ETag:         dstMeta.ETag,
	}
	xmlutil.RenderCopyObject(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 and returns a listing of
// objects in the bucket using the V2 API format.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("ListObjectsV2 BucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, perr := strconv.Atoi(mk); perr == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	opts := storage.ListObjectsOptions{
		Prefix:            prefix,
		Delimiter:         delimiter,
		StartAfter:        startAfter,
		ContinuationToken: continuationToken,
		MaxKeys:           maxKeys,
	}

	listResult, err := h.store.ListObjects(ctx, bucketName, opts)
	if err != nil {
		slog.Error("ListObjectsV2 ListObjects error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name:         bucketName,
		Prefix:       prefix,
		MaxKeys:      maxKeys,
		KeyCount:     len(listResult.Objects),
		IsTruncated:  listResult.IsTruncated,
		EncodingType: encodingType,
		Delimiter:    delimiter,
	}
	if startAfter != "" {
		result.StartAfter = startAfter
	}
	if continuationToken != "" {
		result.ContinuationToken = continuationToken
	}
	if listResult.IsTruncated && listResult.NextContinuationToken != "" {
		result.NextContinuationToken = listResult.NextContinuationToken
	}

	for _, obj := range listResult.Objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(obj.Key, encodingType),
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: obj.StorageClass,
		})
	}
	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(cp, encodingType),
		})
	}

	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjects handles GET /{bucket} and returns a listing of objects in the
// bucket using the V1 API format.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	exists, err := h.store.BucketExists(bucketName)
	if err != nil {
		slog.Error("ListObjects BucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, perr := strconv.Atoi(mk); perr == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	opts := storage.ListObjectsOptions{
		Prefix:     prefix,
		Delimiter:  delimiter,
		StartAfter: marker,
		MaxKeys:    maxKeys,
	}

	listResult, err := h.store.ListObjects(ctx, bucketName, opts)
	if err != nil {
		slog.Error("ListObjects ListObjects error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketResult{
		Name:        bucketName,
		Prefix:      prefix,
		Marker:      marker,
		MaxKeys:     maxKeys,
		IsTruncated: listResult.IsTruncated,
		Delimiter:   delimiter,
	}
	if listResult.IsTruncated && len(listResult.Objects) > 0 {
		result.NextMarker = listResult.Objects[len(listResult.Objects)-1].Key
	}

	for _, obj := range listResult.Objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          obj.Key,
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: obj.StorageClass,
		})
	}
	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
	}

	xmlutil.RenderListObjects(w, result)
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
