package oplog

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/duralog/duralog/pkg/blob"
	"github.com/google/uuid"
)

// Payload carries invocation data either inline in the oplog entry or as a reference
// to an externalized blob. Exactly one of the two fields is set.
type Payload struct {
	Inline   []byte           `json:"inline,omitempty"`
	External *ExternalPayload `json:"external,omitempty"`
}

// ExternalPayload references a blob stored outside the oplog, addressed by the MD5
// content hash and a unique payload id.
type ExternalPayload struct {
	PayloadID   string `json:"payload_id"`
	ContentHash string `json:"content_hash"`
}

func (p Payload) IsExternal() bool {
	return p.External != nil
}

// externalPath is the content-addressed blob path "<hex md5>/<payload id>".
func (e *ExternalPayload) path() string {
	return e.ContentHash + "/" + e.PayloadID
}

const (
	payloadCacheNumCounters = 100_000
	payloadCacheMaxCost     = 256 << 20
	payloadCacheBufferItems = 64
)

// PayloadStore externalizes payloads larger than maxPayloadSize into the blob store
// and resolves them back. Downloads of external payloads go through a read-through
// cache since externalized payloads are immutable.
type PayloadStore struct {
	blobs          blob.Adapter
	cache          *ristretto.Cache
	maxPayloadSize int
}

func NewPayloadStore(blobs blob.Adapter, maxPayloadSize int) (*PayloadStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: payloadCacheNumCounters,
		MaxCost:     payloadCacheMaxCost,
		BufferItems: payloadCacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create payload cache: %w", err)
	}
	return &PayloadStore{
		blobs:          blobs,
		cache:          cache,
		maxPayloadSize: maxPayloadSize,
	}, nil
}

// payloadNamespace scopes externalized payloads per owning account and worker.
func payloadNamespace(owned OwnedWorkerID) string {
	return "oplog-payload/" + owned.AccountID + "/" + owned.WorkerID.String()
}

func (p *PayloadStore) Upload(ctx context.Context, owned OwnedWorkerID, data []byte) (Payload, error) {
	if len(data) <= p.maxPayloadSize {
		inline := make([]byte, len(data))
		copy(inline, data)
		return Payload{Inline: inline}, nil
	}
	hash := md5.Sum(data) //nolint:gosec
	external := &ExternalPayload{
		PayloadID:   uuid.NewString(),
		ContentHash: hex.EncodeToString(hash[:]),
	}
	if err := p.blobs.Put(ctx, payloadNamespace(owned), external.path(), data); err != nil {
		return Payload{}, fmt.Errorf("externalize payload %s for %s: %w", external.PayloadID, owned, err)
	}
	return Payload{External: external}, nil
}

func (p *PayloadStore) Download(ctx context.Context, owned OwnedWorkerID, payload Payload) ([]byte, error) {
	if !payload.IsExternal() {
		return payload.Inline, nil
	}
	external := payload.External
	cacheKey := payloadNamespace(owned) + "/" + external.path()
	if cached, found := p.cache.Get(cacheKey); found {
		return cached.([]byte), nil
	}
	data, err := p.blobs.Get(ctx, payloadNamespace(owned), external.path())
	if errors.Is(err, blob.ErrDataNotFound) {
		return nil, fmt.Errorf("payload %s (hash %s) for %s: %w", external.PayloadID, external.ContentHash, owned, ErrPayloadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download payload %s for %s: %w", external.PayloadID, owned, err)
	}
	p.cache.Set(cacheKey, data, int64(len(data)))
	return data, nil
}

func (p *PayloadStore) Close() {
	p.cache.Close()
}
