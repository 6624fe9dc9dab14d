package syncer

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/edgecore/edgecore/delta"
	"github.com/edgecore/edgecore/observability"
)

// Wire format: a JSON array of delta records, gzip-compressed (level 6)
// when the raw encoding exceeds the threshold. Receivers sniff the two
// gzip magic bytes, so compressed and plain batches share one endpoint.
const gzipLevel = 6

// EncodeBatch serializes deltas for transport. Returns the payload,
// whether it was compressed, and bytes saved by compression.
func EncodeBatch(records []delta.Record, compressionThreshold int) ([]byte, bool, int, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, false, 0, fmt.Errorf("encoding sync batch: %w", err)
	}

	if compressionThreshold <= 0 || len(raw) < compressionThreshold {
		return raw, false, 0, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzipLevel)
	if err != nil {
		return nil, false, 0, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, false, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, 0, err
	}

	// Incompressible payloads ship uncompressed.
	if buf.Len() >= len(raw) {
		return raw, false, 0, nil
	}

	saved := len(raw) - buf.Len()
	observability.SyncCompressionSaved.Add(float64(saved))
	return buf.Bytes(), true, saved, nil
}

// DecodeBatch parses a batch payload, transparently inflating gzip.
func DecodeBatch(payload []byte) ([]delta.Record, error) {
	if isGzip(payload) {
		inflated, err := inflate(payload)
		if err != nil {
			return nil, err
		}
		payload = inflated
	}

	var records []delta.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("decoding sync batch: %w", err)
	}
	return records, nil
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func inflate(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("opening compressed payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflating payload: %w", err)
	}
	return out, nil
}
