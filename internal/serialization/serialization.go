// Package serialization exports a live bleepstore data directory to a
// portable SQLite snapshot, and re-imports one back into the filesystem
// store. It exists for offline backup and for feeding bucket/object
// inventory into anything that speaks SQL, since the live store itself
// keeps no such index.
package serialization

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bleepstore/enginestore/internal/storage"
)

const Version = "1.0.0"

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	name TEXT PRIMARY KEY,
	created_at TEXT
);
CREATE TABLE IF NOT EXISTS objects (
	bucket TEXT,
	key TEXT,
	size INTEGER,
	etag TEXT,
	content_type TEXT,
	storage_class TEXT,
	user_metadata TEXT,
	owner_id TEXT,
	owner_display TEXT,
	last_modified TEXT,
	encrypted INTEGER,
	PRIMARY KEY (bucket, key)
);
CREATE TABLE IF NOT EXISTS multipart_uploads (
	upload_id TEXT PRIMARY KEY,
	bucket TEXT,
	key TEXT,
	content_type TEXT,
	owner_id TEXT,
	owner_display TEXT,
	initiated_at TEXT
);
CREATE TABLE IF NOT EXISTS multipart_parts (
	upload_id TEXT,
	part_number INTEGER,
	size INTEGER,
	etag TEXT,
	last_modified TEXT,
	PRIMARY KEY (upload_id, part_number)
);
`

// ExportOptions controls which buckets are included in a snapshot.
// An empty Buckets list exports everything the store currently holds.
type ExportOptions struct {
	Buckets []string
}

// ExportResult reports how much was written to the snapshot.
type ExportResult struct {
	Buckets  int
	Objects  int
	Uploads  int
	Parts    int
}

// Export walks store and writes a SQLite snapshot at dbPath, overwriting
// any existing file of that name.
func Export(ctx context.Context, store *storage.Store, dbPath string, opts *ExportOptions) (*ExportResult, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	buckets, err := bucketsToExport(ctx, store, opts.Buckets)
	if err != nil {
		return nil, err
	}

	result := &ExportResult{}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO buckets (name, created_at) VALUES (?, ?)`,
			b.Name, b.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting bucket %s: %w", b.Name, err)
		}
		result.Buckets++

		if err := exportObjects(ctx, store, tx, b.Name, result); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := exportUploads(ctx, store, tx, b.Name, result); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing snapshot: %w", err)
	}
	return result, nil
}

func bucketsToExport(ctx context.Context, store *storage.Store, want []string) ([]storage.BucketInfo, error) {
	all, err := store.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	if len(want) == 0 {
		return all, nil
	}
	wanted := make(map[string]bool, len(want))
	for _, w := range want {
		wanted[w] = true
	}
	var out []storage.BucketInfo
	for _, b := range all {
		if wanted[b.Name] {
			out = append(out, b)
		}
	}
	return out, nil
}

func exportObjects(ctx context.Context, store *storage.Store, tx *sql.Tx, bucket string, result *ExportResult) error {
	opts := storage.ListObjectsOptions{MaxKeys: 1000}
	for {
		page, err := store.ListObjects(ctx, bucket, opts)
		if err != nil {
			return fmt.Errorf("listing objects in %s: %w", bucket, err)
		}
		for _, obj := range page.Objects {
			userMeta, _ := json.Marshal(obj.UserMetadata)
			encrypted := 0
			if obj.Encryption != nil && obj.Encryption.Algorithm != "" {
				encrypted = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO objects
				(bucket, key, size, etag, content_type, storage_class, user_metadata, owner_id, owner_display, last_modified, encrypted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				bucket, obj.Key, obj.Size, obj.ETag, obj.ContentType, obj.StorageClass,
				string(userMeta), obj.OwnerID, obj.OwnerDisplay,
				obj.LastModified.UTC().Format(time.RFC3339Nano), encrypted); err != nil {
				return fmt.Errorf("inserting object %s/%s: %w", bucket, obj.Key, err)
			}
			result.Objects++
		}
		if !page.IsTruncated {
			return nil
		}
		opts.ContinuationToken = page.NextContinuationToken
	}
}

func exportUploads(ctx context.Context, store *storage.Store, tx *sql.Tx, bucket string, result *ExportResult) error {
	uploads, err := store.ListMultipartUploads(ctx, bucket, storage.ListUploadsOptions{MaxUploads: 10000})
	if err != nil {
		return fmt.Errorf("listing uploads in %s: %w", bucket, err)
	}
	for _, u := range uploads.Uploads {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO multipart_uploads
			(upload_id, bucket, key, content_type, owner_id, owner_display, initiated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.UploadID, u.Bucket, u.Key, u.ContentType, u.OwnerID, u.OwnerDisplay,
			u.InitiatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting upload %s: %w", u.UploadID, err)
		}
		result.Uploads++

		parts, err := store.ListParts(ctx, bucket, u.UploadID, storage.ListPartsOptions{MaxParts: 10000})
		if err != nil {
			continue
		}
		for _, p := range parts.Parts {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO multipart_parts
				(upload_id, part_number, size, etag, last_modified)
				VALUES (?, ?, ?, ?, ?)`,
				u.UploadID, p.PartNumber, p.Size, p.ETag,
				p.LastModified.UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("inserting part %s/%d: %w", u.UploadID, p.PartNumber, err)
			}
			result.Parts++
		}
	}
	return nil
}

// ImportResult reports how many bucket rows were recreated. Object payloads
// are not restored by Import — a snapshot carries inventory metadata only,
// not bytes, so only buckets a caller can then repopulate are created here.
type ImportResult struct {
	Buckets int
	Skipped []string
}

// Import recreates every bucket named in a snapshot that does not already
// exist in store. It is intentionally metadata-only: restoring object
// payloads from a snapshot would require the original bytes, which this
// format never captured.
func Import(ctx context.Context, store *storage.Store, dbPath string) (*ImportResult, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("reading buckets: %w", err)
	}
	defer rows.Close()

	result := &ImportResult{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		exists, err := store.BucketExists(name)
		if err != nil {
			return nil, fmt.Errorf("checking bucket %s: %w", name, err)
		}
		if exists {
			result.Skipped = append(result.Skipped, name)
			continue
		}
		if err := store.CreateBucket(ctx, name); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", name, err)
		}
		result.Buckets++
	}
	return result, rows.Err()
}

// WriteSummary renders a human-readable export/import summary to w.
func WriteSummary(w io.Writer, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	var b strings.Builder
	b.WriteString(label)
	b.WriteString(":\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %d\n", k, counts[k])
	}
	io.WriteString(w, b.String())
}
