package handlers

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"sort"
	"strings"

	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/xmlutil"
)

// GetBucketVersioning handles GET /{bucket}?versioning.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	status, err := h.store.GetVersioning(bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.VersioningConfiguration{}
	if status == "Enabled" || status == "Suspended" {
		result.Status = status
	}
	xmlutil.RenderVersioningConfiguration(w, result)
}

// PutBucketVersioning handles PUT /{bucket}?versioning. Once a bucket
// transitions to Enabled it can only move to Suspended, never back to Unset
// (§4.G.1).
func (h *BucketHandler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	body, err := readBoundedBody(r)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	var cfg xmlutil.VersioningConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if cfg.Status != "Enabled" && cfg.Status != "Suspended" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.store.SetVersioning(bucketName, cfg.Status); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusOK)
}

// GetBucketPolicy handles GET /{bucket}?policy. Bucket policy documents are
// stored and returned verbatim as JSON (they are never templated into XML).
func (h *BucketHandler) GetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	doc, err := h.store.GetPolicy(bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if len(doc) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucketPolicy)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// PutBucketPolicy handles PUT /{bucket}?policy.
func (h *BucketHandler) PutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	body, err := readBoundedBody(r)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPolicy)
		return
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPolicy)
		return
	}

	if err := h.store.SetPolicy(bucketName, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBucketPolicy handles DELETE /{bucket}?policy.
func (h *BucketHandler) DeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}
	if err := h.store.DeletePolicy(bucketName); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketEncryption handles GET /{bucket}?encryption.
func (h *BucketHandler) GetBucketEncryption(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	doc, err := h.store.GetEncryptionConfig(bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if len(doc) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrServerSideEncryptionConfigurationNotFoundError)
		return
	}

	var cfg xmlutil.ServerSideEncryptionConfiguration
	if err := xml.Unmarshal(doc, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	xmlutil.RenderServerSideEncryptionConfiguration(w, &cfg)
}

// PutBucketEncryption handles PUT /{bucket}?encryption.
func (h *BucketHandler) PutBucketEncryption(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	body, err := readBoundedBody(r)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	var cfg xmlutil.ServerSideEncryptionConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(cfg.Rules) == 0 || cfg.Rules[0].ApplyServerSideEncryptionByDefault.SSEAlgorithm == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.store.SetEncryptionConfig(bucketName, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketEncryption handles DELETE /{bucket}?encryption.
func (h *BucketHandler) DeleteBucketEncryption(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}
	if err := h.store.DeleteEncryptionConfig(bucketName); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketCors handles GET /{bucket}?cors.
func (h *BucketHandler) GetBucketCors(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	doc, err := h.store.GetCORS(bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if len(doc) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchCORSConfiguration)
		return
	}

	var cfg xmlutil.CORSConfiguration
	if err := xml.Unmarshal(doc, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	xmlutil.RenderCORSConfiguration(w, &cfg)
}

// PutBucketCors handles PUT /{bucket}?cors.
func (h *BucketHandler) PutBucketCors(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	body, err := readBoundedBody(r)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	var cfg xmlutil.CORSConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for _, rule := range cfg.Rules {
		if len(rule.AllowedOrigins) == 0 || len(rule.AllowedMethods) == 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
			return
		}
	}

	if err := h.store.SetCORS(bucketName, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketCors handles DELETE /{bucket}?cors.
func (h *BucketHandler) DeleteBucketCors(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}
	if err := h.store.DeleteCORS(bucketName); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusNoContent)
}

// PutBucketQuota handles PUT /{bucket}?quota, a non-standard S3 extension
// the spec adds for advisory per-bucket capacity limits (§4.I). Accepts a
// small JSON body: {"max_bytes": N}.
func (h *BucketHandler) PutBucketQuota(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}
	if h.quota == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		return
	}

	body, err := readBoundedBody(r)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	var req struct {
		MaxBytes int64 `json:"max_bytes"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.quota.SetMaxBytes(bucketName, req.MaxBytes); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	h.enqueueWAL(bucketName)
	w.WriteHeader(http.StatusOK)
}

// ListObjectVersions handles GET /{bucket}?versions (§4.G.2). Unlike plain
// listing, this walks the .versions/ archive tree in addition to the
// current live payloads so every historical version and delete marker is
// enumerable.
func (h *BucketHandler) ListObjectVersions(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !h.ensureBucketExists(w, r, bucketName) {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")

	entries, err := h.store.ListAllVersions(bucketName, prefix)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListVersionsResult{
		Name:      bucketName,
		Prefix:    prefix,
		Delimiter: delimiter,
		MaxKeys:   1000,
	}

	seenPrefixes := make(map[string]bool)
	for _, v := range entries {
		if delimiter != "" {
			rest := v.Key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
				}
				continue
			}
		}
		if v.Meta.DeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, xmlutil.DeleteMarkerEntry{
				Key:          v.Key,
				VersionID:    v.Meta.VersionID,
				IsLatest:     v.Meta.IsLatest,
				LastModified: xmlutil.FormatTimeS3(v.Meta.LastModified),
			})
			continue
		}
		result.Versions = append(result.Versions, xmlutil.VersionEntry{
			Key:          v.Key,
			VersionID:    v.Meta.VersionID,
			IsLatest:     v.Meta.IsLatest,
			LastModified: xmlutil.FormatTimeS3(v.Meta.LastModified),
			ETag:         v.Meta.ETag,
			Size:         v.Meta.Size,
			StorageClass: v.Meta.StorageClass,
		})
	}

	sort.Slice(result.Versions, func(i, j int) bool { return result.Versions[i].Key < result.Versions[j].Key })
	xmlutil.RenderListVersions(w, result)
}

