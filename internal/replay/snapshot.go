package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/steveyegge/claims/internal/events"
)

// Snapshot state encodings.
const (
	EncodingJSON     = "json"
	EncodingJSONZstd = "json+zstd"
)

// CompressThreshold is the encoded size above which snapshot state is
// zstd-compressed.
const CompressThreshold = 4 << 10

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll / DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("replay: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("replay: zstd decoder initialization failed: " + err.Error())
	}
}

// TakeSnapshot encodes state as a snapshot at version.
func TakeSnapshot[S any](aggregateID string, version int, state S) (*events.Snapshot, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot state for %s: %w", aggregateID, err)
	}

	encoding := EncodingJSON
	if len(data) > CompressThreshold {
		data = zstdEncoder.EncodeAll(data, nil)
		encoding = EncodingJSONZstd
	}

	return &events.Snapshot{
		AggregateID: aggregateID,
		Version:     version,
		State:       data,
		Encoding:    encoding,
		CreatedAt:   events.Now(),
	}, nil
}

// SaveSnapshot encodes and stores a snapshot in one step.
func SaveSnapshot[S any](ctx context.Context, w SnapshotWriter, aggregateID string, version int, state S) error {
	snap, err := TakeSnapshot(aggregateID, version, state)
	if err != nil {
		return err
	}
	if err := w.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", aggregateID, err)
	}
	return nil
}

// DecodeState decodes snapshot state into S.
func DecodeState[S any](snap *events.Snapshot) (S, error) {
	var state S

	data := snap.State
	switch snap.Encoding {
	case EncodingJSON, "":
	case EncodingJSONZstd:
		var err error
		data, err = zstdDecoder.DecodeAll(snap.State, nil)
		if err != nil {
			return state, fmt.Errorf("zstd decompress snapshot for %s: %w", snap.AggregateID, err)
		}
	default:
		return state, fmt.Errorf("unknown snapshot encoding %q for %s", snap.Encoding, snap.AggregateID)
	}

	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to decode snapshot state for %s: %w", snap.AggregateID, err)
	}
	return state, nil
}
