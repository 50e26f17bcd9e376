// Package chunked implements the aws-chunked request body decoder (§4.E).
// The AWS SDK/CLI's default streaming upload mode (STREAMING-AWS4-HMAC-SHA256-PAYLOAD)
// frames the body as a sequence of signed chunks rather than sending the
// plaintext payload directly; every PutObject/UploadPart must decode this
// framing before the bytes reach storage.
package chunked

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// emptySHA256 is the SHA-256 hash of an empty string, part of the per-chunk
// string-to-sign (§4.E always hashes an empty chunk-extensions field).
const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// ErrSignatureMismatch is returned by Reader.Read when a chunk's computed
// signature does not match the signature carried in its frame header.
var ErrSignatureMismatch = errors.New("chunked: chunk signature mismatch")

// ChunkSigningContext holds the material needed to verify per-chunk
// signatures: the signing key derived for this request's scope (§4.D), and
// the seed signature from the Authorization header that chunk 1 chains from.
type ChunkSigningContext struct {
	SigningKey    []byte
	SeedSignature string
	Scope         string
	AmzDate       string
}

// DeriveChunkSignature computes the per-chunk signature for an aws-chunked
// streaming upload, chaining from the previous chunk's signature (or the
// seed signature in ChunkSigningContext, for the first chunk).
func DeriveChunkSignature(signingKey []byte, amzDate, scope, previousSignature string, chunkData []byte) string {
	chunkHash := sha256.Sum256(chunkData)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256-PAYLOAD",
		amzDate,
		scope,
		previousSignature,
		emptySHA256,
		hex.EncodeToString(chunkHash[:]),
	}, "\n")
	h := hmac.New(sha256.New, signingKey)
	h.Write([]byte(stringToSign))
	return hex.EncodeToString(h.Sum(nil))
}

// Reader decodes an aws-chunked body into its plaintext payload, verifying
// each chunk's signature as it is chained from the previous one (the seed
// signature, from the Authorization header, chains into chunk 1).
type Reader struct {
	br      *bufio.Reader
	ctx     *ChunkSigningContext
	prevSig string
	pending []byte
	done    bool
	err     error
}

// NewReader wraps r, decoding aws-chunked framing and verifying each chunk
// against ctx as it is consumed.
func NewReader(r io.Reader, ctx *ChunkSigningContext) *Reader {
	return &Reader{
		br:      bufio.NewReader(r),
		ctx:     ctx,
		prevSig: ctx.SeedSignature,
	}
}

// Read implements io.Reader, yielding decoded plaintext a chunk at a time.
func (cr *Reader) Read(p []byte) (int, error) {
	for len(cr.pending) == 0 {
		if cr.err != nil {
			return 0, cr.err
		}
		if cr.done {
			return 0, io.EOF
		}
		if err := cr.readChunk(); err != nil {
			cr.err = err
			return 0, err
		}
	}
	n := copy(p, cr.pending)
	cr.pending = cr.pending[n:]
	return n, nil
}

// readChunk reads and verifies one frame, setting cr.pending to its
// plaintext (or cr.done, for the terminating zero-size frame).
func (cr *Reader) readChunk() error {
	header, err := cr.br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("chunked: reading chunk header: %w", err)
	}
	header = strings.TrimRight(header, "\r\n")

	sizeStr, sig, ok := strings.Cut(header, ";chunk-signature=")
	if !ok {
		return fmt.Errorf("chunked: malformed chunk header %q", header)
	}
	size, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil {
		return fmt.Errorf("chunked: bad chunk size %q: %w", sizeStr, err)
	}

	data := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(cr.br, data); err != nil {
			return fmt.Errorf("chunked: reading chunk data: %w", err)
		}
	}
	if _, err := cr.br.Discard(2); err != nil { // trailing CRLF after chunk data
		return fmt.Errorf("chunked: reading chunk trailer: %w", err)
	}

	expected := DeriveChunkSignature(cr.ctx.SigningKey, cr.ctx.AmzDate, cr.ctx.Scope, cr.prevSig, data)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return ErrSignatureMismatch
	}
	cr.prevSig = expected

	if size == 0 {
		cr.done = true
		return nil
	}
	cr.pending = data
	return nil
}
