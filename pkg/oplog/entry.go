package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the oplog entry union.
type Kind string

const (
	KindCreate                    Kind = "Create"
	KindExportedFunctionInvoked   Kind = "ExportedFunctionInvoked"
	KindExportedFunctionCompleted Kind = "ExportedFunctionCompleted"
	KindImportedFunctionInvoked   Kind = "ImportedFunctionInvoked"
	KindBeginRemoteWrite          Kind = "BeginRemoteWrite"
	KindEndRemoteWrite            Kind = "EndRemoteWrite"
	KindBeginAtomicRegion         Kind = "BeginAtomicRegion"
	KindEndAtomicRegion           Kind = "EndAtomicRegion"
	KindSuspend                   Kind = "Suspend"
	KindError                     Kind = "Error"
	KindExited                    Kind = "Exited"
	KindInterrupted               Kind = "Interrupted"
	KindNoOp                      Kind = "NoOp"
	KindJump                      Kind = "Jump"
	KindRestart                   Kind = "Restart"
	KindLog                       Kind = "Log"
	KindPendingUpdate             Kind = "PendingUpdate"
	KindSuccessfulUpdate          Kind = "SuccessfulUpdate"
	KindFailedUpdate              Kind = "FailedUpdate"
	KindSaveSnapshot              Kind = "SaveSnapshot"
	KindLoadSnapshot              Kind = "LoadSnapshot"
)

// Entry records one observable event in a worker's execution. The storage layer treats
// entries as opaque serialized blobs; only the fields relevant for the entry's Kind are
// set, everything else stays zero and is omitted from the encoding.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Create
	WorkerID         *WorkerID         `json:"worker_id,omitempty"`
	ComponentVersion *uint64           `json:"component_version,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`

	// ExportedFunctionInvoked / ImportedFunctionInvoked
	FunctionName   string   `json:"function_name,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Request        *Payload `json:"request,omitempty"`

	// ExportedFunctionCompleted / ImportedFunctionInvoked
	Response     *Payload `json:"response,omitempty"`
	ConsumedFuel int64    `json:"consumed_fuel,omitempty"`

	// EndRemoteWrite / EndAtomicRegion point back at their begin marker
	BeginIndex Index `json:"begin_index,omitempty"`

	// Jump skips the region [JumpStart, JumpEnd] during replay
	JumpStart Index `json:"jump_start,omitempty"`
	JumpEnd   Index `json:"jump_end,omitempty"`

	// Error / FailedUpdate
	Error string `json:"error,omitempty"`

	// Log
	LogLevel   string `json:"log_level,omitempty"`
	LogContext string `json:"log_context,omitempty"`
	Message    string `json:"message,omitempty"`

	// SaveSnapshot / LoadSnapshot
	Data *Payload `json:"data,omitempty"`
}

// IsInvocationBoundary reports whether this entry closes an exported function
// invocation. Replay targets are only valid at these boundaries.
func (e *Entry) IsInvocationBoundary() bool {
	return e.Kind == KindExportedFunctionCompleted
}

// Record pairs an entry with its oplog index.
type Record struct {
	Index Index
	Entry Entry
}

func encodeEntry(entry Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode oplog entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode oplog entry: %w", err)
	}
	return entry, nil
}

// PayloadUploader is the narrow upload capability the entry constructors need. Both
// Service and Log handles satisfy it through their payload methods.
type PayloadUploader interface {
	UploadPayload(ctx context.Context, data []byte) (Payload, error)
}

func NewCreateEntry(workerID WorkerID, componentVersion uint64, args []string, env map[string]string) Entry {
	return Entry{
		Kind:             KindCreate,
		Timestamp:        time.Now().UTC(),
		WorkerID:         &workerID,
		ComponentVersion: &componentVersion,
		Args:             args,
		Env:              env,
	}
}

func NewExportedFunctionInvoked(ctx context.Context, up PayloadUploader, functionName, idempotencyKey string, request []byte) (Entry, error) {
	payload, err := up.UploadPayload(ctx, request)
	if err != nil {
		return Entry{}, fmt.Errorf("upload invocation request: %w", err)
	}
	return Entry{
		Kind:           KindExportedFunctionInvoked,
		Timestamp:      time.Now().UTC(),
		FunctionName:   functionName,
		IdempotencyKey: idempotencyKey,
		Request:        &payload,
	}, nil
}

func NewExportedFunctionCompleted(ctx context.Context, up PayloadUploader, response []byte, consumedFuel int64) (Entry, error) {
	payload, err := up.UploadPayload(ctx, response)
	if err != nil {
		return Entry{}, fmt.Errorf("upload invocation response: %w", err)
	}
	return Entry{
		Kind:         KindExportedFunctionCompleted,
		Timestamp:    time.Now().UTC(),
		Response:     &payload,
		ConsumedFuel: consumedFuel,
	}, nil
}

func NewImportedFunctionInvoked(ctx context.Context, up PayloadUploader, functionName string, request, response []byte) (Entry, error) {
	requestPayload, err := up.UploadPayload(ctx, request)
	if err != nil {
		return Entry{}, fmt.Errorf("upload host call request: %w", err)
	}
	responsePayload, err := up.UploadPayload(ctx, response)
	if err != nil {
		return Entry{}, fmt.Errorf("upload host call response: %w", err)
	}
	return Entry{
		Kind:         KindImportedFunctionInvoked,
		Timestamp:    time.Now().UTC(),
		FunctionName: functionName,
		Request:      &requestPayload,
		Response:     &responsePayload,
	}, nil
}

func NewSaveSnapshot(ctx context.Context, up PayloadUploader, snapshot []byte) (Entry, error) {
	payload, err := up.UploadPayload(ctx, snapshot)
	if err != nil {
		return Entry{}, fmt.Errorf("upload snapshot: %w", err)
	}
	return Entry{
		Kind:      KindSaveSnapshot,
		Timestamp: time.Now().UTC(),
		Data:      &payload,
	}, nil
}

func newMarkerEntry(kind Kind) Entry {
	return Entry{Kind: kind, Timestamp: time.Now().UTC()}
}

func NewSuspend() Entry     { return newMarkerEntry(KindSuspend) }
func NewExited() Entry      { return newMarkerEntry(KindExited) }
func NewInterrupted() Entry { return newMarkerEntry(KindInterrupted) }
func NewNoOp() Entry        { return newMarkerEntry(KindNoOp) }
func NewRestart() Entry     { return newMarkerEntry(KindRestart) }

func NewBeginAtomicRegion() Entry { return newMarkerEntry(KindBeginAtomicRegion) }

func NewEndAtomicRegion(beginIndex Index) Entry {
	e := newMarkerEntry(KindEndAtomicRegion)
	e.BeginIndex = beginIndex
	return e
}

func NewBeginRemoteWrite() Entry { return newMarkerEntry(KindBeginRemoteWrite) }

func NewEndRemoteWrite(beginIndex Index) Entry {
	e := newMarkerEntry(KindEndRemoteWrite)
	e.BeginIndex = beginIndex
	return e
}

func NewError(message string) Entry {
	e := newMarkerEntry(KindError)
	e.Error = message
	return e
}

func NewJump(start, end Index) Entry {
	e := newMarkerEntry(KindJump)
	e.JumpStart = start
	e.JumpEnd = end
	return e
}

func NewLog(level, context, message string) Entry {
	e := newMarkerEntry(KindLog)
	e.LogLevel = level
	e.LogContext = context
	e.Message = message
	return e
}
