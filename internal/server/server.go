// Package server implements the BleepStore HTTP server and S3-compatible route multiplexer.
package server

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/bleepstore/enginestore/internal/auth"
	"github.com/bleepstore/enginestore/internal/config"
	"github.com/bleepstore/enginestore/internal/encryption"
	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/handlers"
	"github.com/bleepstore/enginestore/internal/replicator"
	"github.com/bleepstore/enginestore/internal/storage"
	"github.com/bleepstore/enginestore/internal/wal"
	"github.com/bleepstore/enginestore/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the BleepStore HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method and path.
type Server struct {
	cfg         *config.Config
	router      chi.Router
	api         huma.API
	store       *storage.Store
	quota       *storage.QuotaCache
	wal         *wal.WAL
	repl        *replicator.Replicator
	verifier    *auth.SigV4Verifier
	bucket      *handlers.BucketHandler
	object      *handlers.ObjectHandler
	multi       *handlers.MultipartHandler
	healthCheck bool
	httpServer  *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithStore sets the storage engine for the server.
func WithStore(store *storage.Store) ServerOption {
	return func(s *Server) { s.store = store }
}

// WithQuotaCache sets the bucket quota cache for the server.
func WithQuotaCache(q *storage.QuotaCache) ServerOption {
	return func(s *Server) { s.quota = q }
}

// WithWAL sets the write-ahead log appender for the server.
func WithWAL(w *wal.WAL) ServerOption {
	return func(s *Server) { s.wal = w }
}

// WithReplicator sets the async replicator, whose inbound handler is mounted
// at /_replicate.
func WithReplicator(r *replicator.Replicator) ServerOption {
	return func(s *Server) { s.repl = r }
}

// New creates a new Server with the given configuration and wires up all
// S3-compatible routes on the Chi router with Huma API.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BleepStore S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:         cfg,
		router:      router,
		api:         api,
		healthCheck: cfg.Observability.HealthCheck,
	}
	for _, opt := range opts {
		opt(s)
	}

	ownerID := cfg.Auth.OwnerID
	ownerDisplay := cfg.Auth.OwnerDisplay
	region := cfg.Server.Region

	creds := auth.NewStaticCredentialStore(cfg.Auth.AccessKey, cfg.Auth.SecretKey, ownerID, ownerDisplay)
	s.verifier = auth.NewSigV4Verifier(creds, region)

	var masterKey *encryption.MasterKey
	if cfg.Encryption.MasterKeyBase64 != "" {
		key, err := decodeMasterKey(cfg.Encryption.MasterKeyBase64)
		if err != nil {
			return nil, err
		}
		masterKey = key
	} else {
		key, err := encryption.NewMasterKey()
		if err != nil {
			return nil, err
		}
		masterKey = key
	}

	maxObjectSize := cfg.Server.MaxObjectSize
	s.bucket = handlers.NewBucketHandler(s.store, s.quota, s.wal, ownerID, ownerDisplay, region)
	s.object = handlers.NewObjectHandler(s.store, s.quota, s.wal, masterKey, cfg.Encryption.GlobalDefault, ownerID, ownerDisplay)
	s.multi = handlers.NewMultipartHandler(s.store, s.wal, masterKey, cfg.Encryption.GlobalDefault, ownerID, ownerDisplay, maxObjectSize)

	s.registerRoutes()
	return s, nil
}

func decodeMasterKey(b64 string) (*encryption.MasterKey, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return encryption.NewMasterKeyFromBytes(key)
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
// Middleware chain: metricsMiddleware -> commonHeaders -> transferEncodingCheck ->
// auth.Middleware -> policyMiddleware -> metadataHeaderMiddleware -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	// Rewrite x-amz-meta-* headers to lowercase (must be innermost wrapper).
	handler = metadataHeaderMiddleware(handler)
	handler = s.policyMiddleware(handler)
	handler = auth.Middleware(s.verifier)(handler)
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json) and /metrics are registered first.
// The S3 catch-all /* is registered last. Chi matches more specific routes first.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the BleepStore server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.healthCheck {
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if s.store != nil {
				if err := s.store.HealthCheck(r.Context()); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	if s.repl != nil {
		s.router.Post("/_replicate", s.repl.ServeHTTP)
		s.router.Get("/_replicate/object", s.repl.ServeObjectFetch)
	}

	// S3 catch-all: all remaining requests go through the dispatch function.
	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	idx := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// dispatch is the main request dispatcher. It parses the path to extract
// bucket and object key, then routes by HTTP method and query parameters.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Service-level operations (no bucket in path).
	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			s.bucket.ListBuckets(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				s.multi.UploadPart(w, r)
			case r.Header.Get("X-Amz-Copy-Source") != "":
				s.object.CopyObject(w, r)
			default:
				s.object.PutObject(w, r)
			}
		case http.MethodGet:
			switch {
			case q.Has("uploadId"):
				s.multi.ListParts(w, r)
			default:
				s.object.GetObject(w, r)
			}
		case http.MethodHead:
			s.object.HeadObject(w, r)
		case http.MethodDelete:
			if q.Has("uploadId") {
				s.multi.AbortMultipartUpload(w, r)
			} else {
				s.object.DeleteObject(w, r)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploadId"):
				s.multi.CompleteMultipartUpload(w, r)
			case q.Has("uploads"):
				s.multi.CreateMultipartUpload(w, r)
			default:
				xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			}
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		switch {
		case q.Has("versioning"):
			s.bucket.PutBucketVersioning(w, r)
		case q.Has("policy"):
			s.bucket.PutBucketPolicy(w, r)
		case q.Has("encryption"):
			s.bucket.PutBucketEncryption(w, r)
		case q.Has("cors"):
			s.bucket.PutBucketCors(w, r)
		case q.Has("quota"):
			s.bucket.PutBucketQuota(w, r)
		default:
			s.bucket.CreateBucket(w, r)
		}
	case http.MethodGet:
		switch {
		case q.Has("location"):
			s.bucket.GetBucketLocation(w, r)
		case q.Has("versioning"):
			s.bucket.GetBucketVersioning(w, r)
		case q.Has("policy"):
			s.bucket.GetBucketPolicy(w, r)
		case q.Has("encryption"):
			s.bucket.GetBucketEncryption(w, r)
		case q.Has("cors"):
			s.bucket.GetBucketCors(w, r)
		case q.Has("versions"):
			s.bucket.ListObjectVersions(w, r)
		case q.Has("uploads"):
			s.multi.ListMultipartUploads(w, r)
		case q.Has("list-type"):
			s.object.ListObjectsV2(w, r)
		default:
			s.object.ListObjects(w, r)
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		switch {
		case q.Has("policy"):
			s.bucket.DeleteBucketPolicy(w, r)
		case q.Has("encryption"):
			s.bucket.DeleteBucketEncryption(w, r)
		case q.Has("cors"):
			s.bucket.DeleteBucketCors(w, r)
		default:
			s.bucket.DeleteBucket(w, r)
		}
	case http.MethodPost:
		if q.Has("delete") {
			s.object.DeleteObjects(w, r)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	}
}
