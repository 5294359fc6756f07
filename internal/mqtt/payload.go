package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"edge-agent/internal/models"
)

// zstd frame magic, used to tell compressed payloads apart on decode
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// EncodeBatch serializes a batch as JSON, optionally zstd-compressed
func EncodeBatch(batch *models.Batch, compress bool) ([]byte, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	if !compress {
		return payload, nil
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
}

// DecodeBatch reverses EncodeBatch, detecting compression from the frame magic
func DecodeBatch(payload []byte) (*models.Batch, error) {
	if bytes.HasPrefix(payload, zstdMagic) {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer decoder.Close()

		payload, err = decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress batch: %w", err)
		}
	}

	var batch models.Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &batch, nil
}
