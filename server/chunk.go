package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"

	"github.com/teranos/relay/errors"
)

// Chunk is one piece of a message that exceeded the size ceiling. The
// digest covers the complete reassembled payload and is carried on every
// chunk so the receiver can verify before parsing.
type Chunk struct {
	Type    string `json:"type"` // "chunked_message"
	ChunkID string `json:"chunk_id"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Data    string `json:"data"` // base64 payload slice
	SHA256  string `json:"sha256"`
}

// SplitChunks slices a payload into chunked_message envelopes of at most
// chunkBytes decoded bytes each.
func SplitChunks(payload []byte, chunkBytes int) []Chunk {
	digest := sha256.Sum256(payload)
	sum := hex.EncodeToString(digest[:])
	id := uuid.NewString()

	total := (len(payload) + chunkBytes - 1) / chunkBytes
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkBytes
		end := start + chunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			Type:    "chunked_message",
			ChunkID: id,
			Index:   i,
			Total:   total,
			Data:    base64.StdEncoding.EncodeToString(payload[start:end]),
			SHA256:  sum,
		})
	}
	return chunks
}

type pendingMessage struct {
	parts    [][]byte
	received int
	size     int
	sha256   string
}

// Reassembler collects chunks per chunk ID and surfaces the payload once
// all pieces arrived and the digest verifies. One instance per socket;
// chunks from different messages may interleave.
type Reassembler struct {
	mu       sync.Mutex
	pending  map[string]*pendingMessage
	maxBytes int
}

// NewReassembler bounds reassembled payloads at maxBytes; anything larger
// is rejected mid-flight rather than buffered.
func NewReassembler(maxBytes int) *Reassembler {
	return &Reassembler{
		pending:  make(map[string]*pendingMessage),
		maxBytes: maxBytes,
	}
}

// Add ingests one chunk. It returns (true, payload, nil) when the message
// is complete and verified; (false, nil, nil) while parts are outstanding.
// Any error aborts the whole message and drops its buffered parts.
func (r *Reassembler) Add(chunk Chunk) (bool, []byte, error) {
	if chunk.Total <= 0 || chunk.Index < 0 || chunk.Index >= chunk.Total {
		return false, nil, errors.NewInvalidRequestError(
			"chunk index %d out of range for total %d", chunk.Index, chunk.Total)
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return false, nil, errors.WrapInvalidRequest(err, "undecodable chunk data")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.pending[chunk.ChunkID]
	if !ok {
		msg = &pendingMessage{
			parts:  make([][]byte, chunk.Total),
			sha256: chunk.SHA256,
		}
		r.pending[chunk.ChunkID] = msg
	}
	if len(msg.parts) != chunk.Total || msg.sha256 != chunk.SHA256 {
		delete(r.pending, chunk.ChunkID)
		return false, nil, errors.NewInvalidRequestError(
			"inconsistent chunk metadata for message %s", chunk.ChunkID)
	}
	if msg.parts[chunk.Index] != nil {
		return false, nil, nil // duplicate delivery, first copy wins
	}

	msg.parts[chunk.Index] = data
	msg.received++
	msg.size += len(data)
	if msg.size > r.maxBytes {
		delete(r.pending, chunk.ChunkID)
		return false, nil, errors.NewInvalidRequestError(
			"chunked message %s exceeds %d bytes", chunk.ChunkID, r.maxBytes)
	}
	if msg.received < chunk.Total {
		return false, nil, nil
	}

	delete(r.pending, chunk.ChunkID)
	payload := make([]byte, 0, msg.size)
	for _, part := range msg.parts {
		payload = append(payload, part...)
	}

	digest := sha256.Sum256(payload)
	if hex.EncodeToString(digest[:]) != msg.sha256 {
		return false, nil, errors.NewInvalidRequestError(
			"chunked message %s failed hash verification", chunk.ChunkID)
	}
	return true, payload, nil
}

// Pending returns the number of partially assembled messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
