// Package replicator implements async, best-effort peer-to-peer replication
// of WAL mutations (§4.H). An outbound tailer reads a node's own WAL forward
// from a persisted high-water mark, coalesces same-key mutations within each
// batch window, and pushes the result to configured peers. An inbound
// receiver applies incoming batches directly to the local storage engine,
// bypassing auth, policy evaluation, encryption selection, and the WAL —
// replicated writes must never be re-enqueued, or every peer would echo
// the same mutation back and forth forever.
package replicator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	s3err "github.com/bleepstore/enginestore/internal/errors"
	"github.com/bleepstore/enginestore/internal/metrics"
	"github.com/bleepstore/enginestore/internal/storage"
	"github.com/bleepstore/enginestore/internal/wal"
)

// secretHeader carries the shared secret authenticating inbound replication
// traffic. It is deliberately distinct from SigV4 (§4.H): peers trust each
// other via a pre-shared value, not per-request client credentials.
const secretHeader = "X-Bleepstore-Replication-Secret"

// replayWindow bounds how many (node,seq) pairs are remembered for inbound
// dedup. Older entries age out in FIFO order.
const replayWindow = 20000

// Config controls one node's replication behavior.
type Config struct {
	NodeID        string
	Peers         []string
	SharedSecret  string
	WALPath       string
	StatePath     string
	BatchInterval time.Duration
	MaxBatchSize  int
	SelfBaseURL   string
	Store         *storage.Store
	HTTPClient    *http.Client
}

// batchEntry is the wire form of one coalesced WAL mutation.
type batchEntry struct {
	Op        wal.Op    `json:"op"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
}

// replicationBatch is the JSON body POSTed to a peer's /_replicate endpoint.
type replicationBatch struct {
	SourceNodeID  string       `json:"source_node_id"`
	SourceBaseURL string       `json:"source_base_url"`
	BatchID       string       `json:"batch_id"`
	Entries       []batchEntry `json:"entries"`
}

// entryResult reports what happened to one entry of an inbound batch.
type entryResult struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Seq    uint64 `json:"seq"`
	Status string `json:"status"` // "applied", "skipped" (dup), or "error"
	Error  string `json:"error,omitempty"`
}

// Replicator owns the outbound tailer loop and the inbound HTTP handlers.
// It holds no locks in common with the request path: PutObject/DeleteObject
// calls it makes against Store go through the same API a normal handler
// would, just without a WAL entry following them.
type Replicator struct {
	cfg    Config
	client *http.Client

	lastSeq   uint64
	stateMu   sync.Mutex
	stop      chan struct{}
	done      chan struct{}

	seenMu   sync.Mutex
	seen     map[string]struct{}
	seenOrd  []string
}

// New constructs a Replicator, recovering the outbound high-water mark from
// cfg.StatePath if present.
func New(cfg Config) (*Replicator, error) {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	r := &Replicator{
		cfg:    cfg,
		client: cfg.HTTPClient,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}

	if data, err := os.ReadFile(cfg.StatePath); err == nil {
		if v, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); perr == nil {
			r.lastSeq = v
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("replicator: reading state: %w", err)
	}

	return r, nil
}

// Start launches the outbound tailer loop. It returns immediately; the loop
// runs until Stop is called.
func (r *Replicator) Start() {
	go r.tailLoop()
}

// Stop halts the outbound tailer loop and waits for it to exit.
func (r *Replicator) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Replicator) tailLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.tailOnce(); err != nil {
				slog.Error("replicator: tail pass failed", "error", err)
			}
		case <-r.stop:
			return
		}
	}
}

// tailOnce reads every WAL segment, keeps entries with Seq above the
// persisted high-water mark, coalesces them per (bucket,key), and pushes
// the result to every configured peer. The whole WAL is rescanned on every
// pass rather than tracking a byte offset — simple and correct, at the cost
// of re-parsing already-replicated segments on busy nodes with small
// batch_interval values.
func (r *Replicator) tailOnce() error {
	entries, err := r.readNewEntries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	batches := chunk(entries, r.cfg.MaxBatchSize)
	var maxSeq uint64
	for _, b := range batches {
		coalesced := coalesce(b)
		if len(coalesced) == 0 {
			// Every key in this chunk net-canceled (Put+Delete); still
			// advance past it, since there is nothing left to ship.
			for _, e := range b {
				if e.Seq > maxSeq {
					maxSeq = e.Seq
				}
			}
			continue
		}
		r.pushBatch(coalesced)
		for _, e := range b {
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
		}
	}

	if maxSeq > r.lastSeq {
		r.lastSeq = maxSeq
		r.persistState()
	}
	return nil
}

func chunk(entries []wal.Entry, size int) [][]wal.Entry {
	var out [][]wal.Entry
	for i := 0; i < len(entries); i += size {
		end := i + size
		if end > len(entries) {
			end = len(entries)
		}
		out = append(out, entries[i:end])
	}
	return out
}

// coalesce drops any (bucket,key) group containing both a put and a delete
// (net-zero within the batch window) and otherwise keeps only the last
// entry seen for each key, preserving overall sequence order (§4.H).
func coalesce(entries []wal.Entry) []batchEntry {
	type group struct {
		hasPut, hasDelete bool
		last              wal.Entry
		order             int
	}
	groups := make(map[string]*group)
	order := 0
	for _, e := range entries {
		if e.Op != wal.OpPutObject && e.Op != wal.OpDeleteObject {
			// Bucket-level ops are not coalesced by key.
			k := "bucket:" + e.Bucket + ":" + string(e.Op)
			groups[k] = &group{last: e, order: order}
			order++
			continue
		}
		k := e.Bucket + "\x00" + e.Key
		g, ok := groups[k]
		if !ok {
			g = &group{order: order}
			groups[k] = g
			order++
		}
		if e.Op == wal.OpPutObject {
			g.hasPut = true
		} else {
			g.hasDelete = true
		}
		g.last = e
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		if g.hasPut && g.hasDelete {
			continue
		}
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	out := make([]batchEntry, 0, len(ordered))
	for _, g := range ordered {
		e := g.last
		out = append(out, batchEntry{
			Op: e.Op, Bucket: e.Bucket, Key: e.Key, Seq: e.Seq,
			Timestamp: e.Timestamp, Size: e.Size, ETag: e.ETag,
		})
	}
	return out
}

// pushBatch sends one coalesced batch to every peer, retrying each peer
// independently with exponential backoff up to 3 attempts. A peer that
// never accepts the batch is logged and skipped; replication is best-effort.
func (r *Replicator) pushBatch(entries []batchEntry) {
	body := replicationBatch{
		SourceNodeID:  r.cfg.NodeID,
		SourceBaseURL: r.cfg.SelfBaseURL,
		BatchID:       uuid.NewString(),
		Entries:       entries,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("replicator: marshal batch", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, peer := range r.cfg.Peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.pushToPeer(peer, payload, entries[len(entries)-1].Timestamp)
		}()
	}
	wg.Wait()
}

func (r *Replicator) pushToPeer(peer string, payload []byte, lastTS time.Time) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequest(http.MethodPost, strings.TrimRight(peer, "/")+"/_replicate", bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(secretHeader, r.cfg.SharedSecret)

		resp, err := r.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				metrics.ReplicationLagSeconds.WithLabelValues(peer).Set(time.Since(lastTS).Seconds())
				return
			}
			lastErr = fmt.Errorf("peer %s returned status %d", peer, resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt < maxAttempts {
			time.Sleep(b.NextBackOff())
		}
	}
	slog.Warn("replicator: giving up on peer after retries", "peer", peer, "error", lastErr)
}

func (r *Replicator) persistState() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	tmp := r.cfg.StatePath + ".tmp"
	data := []byte(strconv.FormatUint(r.lastSeq, 10))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("replicator: persisting state", "error", err)
		return
	}
	if err := os.Rename(tmp, r.cfg.StatePath); err != nil {
		slog.Error("replicator: renaming state file", "error", err)
	}
}

// readNewEntries scans every WAL segment in chronological order and returns
// entries with Seq greater than the persisted high-water mark.
func (r *Replicator) readNewEntries() ([]wal.Entry, error) {
	dirEntries, err := os.ReadDir(r.cfg.WALPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []string
	for _, de := range dirEntries {
		if !de.IsDir() && strings.HasPrefix(de.Name(), "segment-") && strings.HasSuffix(de.Name(), ".wal") {
			segments = append(segments, de.Name())
		}
	}
	sort.Strings(segments)

	var out []wal.Entry
	for _, name := range segments {
		f, err := os.Open(filepath.Join(r.cfg.WALPath, name))
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			e, perr := wal.ParseEntry(scanner.Text())
			if perr != nil {
				continue
			}
			if e.Seq > r.lastSeq {
				out = append(out, e)
			}
		}
		f.Close()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ServeHTTP handles inbound POST /_replicate batches: dedup, then apply
// each entry directly to storage without touching auth, policy, encryption
// selection, or the WAL.
func (r *Replicator) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.cfg.SharedSecret != "" && req.Header.Get(secretHeader) != r.cfg.SharedSecret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var batch replicationBatch
	if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
		http.Error(w, "malformed batch", http.StatusBadRequest)
		return
	}

	results := make([]entryResult, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		res := entryResult{Bucket: e.Bucket, Key: e.Key, Seq: e.Seq}
		dedupKey := batch.SourceNodeID + "\x00" + strconv.FormatUint(e.Seq, 10)
		if r.alreadySeen(dedupKey) {
			res.Status = "skipped"
			results = append(results, res)
			continue
		}
		if err := r.apply(req.Context(), batch.SourceBaseURL, e); err != nil {
			res.Status = "error"
			res.Error = err.Error()
			slog.Error("replicator: applying entry failed", "bucket", e.Bucket, "key", e.Key, "op", e.Op, "error", err)
		} else {
			res.Status = "applied"
			r.markSeen(dedupKey)
		}
		results = append(results, res)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

func (r *Replicator) apply(ctx context.Context, sourceBaseURL string, e batchEntry) error {
	switch e.Op {
	case wal.OpDeleteObject:
		_, err := r.cfg.Store.DeleteObject(ctx, e.Bucket, e.Key, "")
		if err == s3err.ErrNoSuchKey || err == s3err.ErrNoSuchBucket {
			return nil // replicated delete of an already-gone object is success
		}
		return err
	case wal.OpPutObject:
		payload, err := r.fetchObject(ctx, sourceBaseURL, e.Bucket, e.Key)
		if err != nil {
			return err
		}
		_, err = r.cfg.Store.PutObject(ctx, e.Bucket, e.Key, bytes.NewReader(payload), storage.PutObjectInput{})
		return err
	case wal.OpCreateBucket:
		err := r.cfg.Store.CreateBucket(ctx, e.Bucket)
		if err == s3err.ErrBucketAlreadyExists || err == s3err.ErrBucketAlreadyOwnedByYou {
			return nil
		}
		return err
	case wal.OpDeleteBucket:
		return r.cfg.Store.DeleteBucketIfEmpty(ctx, e.Bucket)
	case wal.OpPutObjectMetadata:
		// Bucket sub-resource mutations (versioning, policy, encryption,
		// cors, quota) carry no payload in the WAL entry itself, so there
		// is nothing to apply here yet; the entry exists so operators can
		// see that a metadata change happened when inspecting the log.
		return nil
	default:
		return fmt.Errorf("replicator: unknown op %q", e.Op)
	}
}

// fetchObject pulls the raw payload for a replicated PutObject entry from
// the node that originated it, via its ServeObjectFetch endpoint. The
// source base URL travels inside the batch itself rather than through a
// static node-id-to-URL table, since the sender always knows its own
// address and the receiver otherwise has no way to locate an arbitrary peer.
func (r *Replicator) fetchObject(ctx context.Context, sourceBaseURL, bucket, key string) ([]byte, error) {
	if sourceBaseURL == "" {
		return nil, fmt.Errorf("replicator: entry for %s/%s carries no source base url", bucket, key)
	}
	u := strings.TrimRight(sourceBaseURL, "/") + "/_replicate/object?bucket=" +
		urlEscape(bucket) + "&key=" + urlEscape(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(secretHeader, r.cfg.SharedSecret)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("replicator: fetching %s/%s from %s: status %d", bucket, key, sourceBaseURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ServeObjectFetch handles GET /_replicate/object?bucket=&key=, streaming
// the raw current payload so a peer's inbound handler can apply a PutObject
// entry it received without the bytes ever being embedded in the batch JSON.
func (r *Replicator) ServeObjectFetch(w http.ResponseWriter, req *http.Request) {
	if r.cfg.SharedSecret != "" && req.Header.Get(secretHeader) != r.cfg.SharedSecret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	bucket := req.URL.Query().Get("bucket")
	key := req.URL.Query().Get("key")
	if bucket == "" || key == "" {
		http.Error(w, "bucket and key are required", http.StatusBadRequest)
		return
	}

	body, meta, err := r.cfg.Store.GetObject(req.Context(), bucket, key, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, body)
}

func (r *Replicator) alreadySeen(key string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	_, ok := r.seen[key]
	return ok
}

func (r *Replicator) markSeen(key string) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}
	r.seenOrd = append(r.seenOrd, key)
	if len(r.seenOrd) > replayWindow {
		oldest := r.seenOrd[0]
		r.seenOrd = r.seenOrd[1:]
		delete(r.seen, oldest)
	}
}

func urlEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.', c == '~':
			b.WriteRune(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}
