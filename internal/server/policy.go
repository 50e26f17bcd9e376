package server

import (
	"net/http"

	"github.com/bleepstore/enginestore/internal/auth"
	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/policy"
	"github.com/bleepstore/enginestore/internal/xmlutil"
)

// policyMiddleware implements §4.G's "authorize (4.F if non-owner)" step. It
// runs after auth.Middleware, which has already attached the authenticated
// owner identity to the request context, and before the request reaches
// dispatch. The configured root owner bypasses policy evaluation entirely;
// every other caller is authorized against the target bucket's policy
// document, default-deny if none is set or nothing matches.
func (s *Server) policyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, key := parsePath(r.URL.Path)
		if bucket == "" {
			next.ServeHTTP(w, r)
			return
		}

		principal, _ := auth.OwnerFromContext(r.Context())
		if principal == "" || principal == s.cfg.Auth.OwnerID {
			next.ServeHTTP(w, r)
			return
		}

		if s.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := s.store.GetPolicy(bucket)
		if err != nil || len(raw) == 0 {
			// No policy document: default deny for non-owner callers.
			xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
			return
		}
		doc, err := policy.Parse(raw)
		if err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
			return
		}

		action := actionForRequest(r, key)
		resourceARN := resourceARNFor(bucket, key)
		if policy.Evaluate(doc, principal, action, resourceARN) != policy.Allow {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resourceARNFor builds the §4.F resource ARN for a bucket or bucket/key.
func resourceARNFor(bucket, key string) string {
	if key == "" {
		return "arn:aws:s3:::" + bucket
	}
	return "arn:aws:s3:::" + bucket + "/" + key
}

// actionForRequest maps an HTTP method, presence of an object key, and
// bucket sub-resource query parameters to an S3 policy action name. This is
// deliberately coarse: it covers the operations SPEC_FULL.md's handler
// contract names, not the full AWS action catalog.
func actionForRequest(r *http.Request, key string) string {
	q := r.URL.Query()
	if key != "" {
		switch r.Method {
		case http.MethodGet:
			return "s3:GetObject"
		case http.MethodPut:
			return "s3:PutObject"
		case http.MethodHead:
			return "s3:GetObject"
		case http.MethodDelete:
			return "s3:DeleteObject"
		case http.MethodPost:
			return "s3:PutObject"
		}
		return "s3:*"
	}

	switch {
	case q.Has("policy"):
		switch r.Method {
		case http.MethodPut:
			return "s3:PutBucketPolicy"
		case http.MethodDelete:
			return "s3:DeleteBucketPolicy"
		default:
			return "s3:GetBucketPolicy"
		}
	case q.Has("versioning"):
		if r.Method == http.MethodPut {
			return "s3:PutBucketVersioning"
		}
		return "s3:GetBucketVersioning"
	case q.Has("encryption"):
		switch r.Method {
		case http.MethodPut:
			return "s3:PutEncryptionConfiguration"
		case http.MethodDelete:
			return "s3:PutEncryptionConfiguration"
		default:
			return "s3:GetEncryptionConfiguration"
		}
	case q.Has("cors"):
		switch r.Method {
		case http.MethodPut:
			return "s3:PutBucketCORS"
		case http.MethodDelete:
			return "s3:PutBucketCORS"
		default:
			return "s3:GetBucketCORS"
		}
	case q.Has("quota"):
		return "s3:PutBucketQuota"
	case q.Has("versions"):
		return "s3:ListBucketVersions"
	case q.Has("uploads"):
		return "s3:ListBucketMultipartUploads"
	case q.Has("location"):
		return "s3:GetBucketLocation"
	case q.Has("delete"):
		return "s3:DeleteObject"
	}

	switch r.Method {
	case http.MethodPut:
		return "s3:CreateBucket"
	case http.MethodDelete:
		return "s3:DeleteBucket"
	case http.MethodHead:
		return "s3:ListBucket"
	default:
		return "s3:ListBucket"
	}
}
