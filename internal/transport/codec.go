package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is the payload serialization used by PublishEvent.
type Format string

const (
	// FormatRaw accepts []byte, string and json.RawMessage values as-is.
	FormatRaw Format = "raw"
	// FormatJSON marshals values with encoding/json.
	FormatJSON Format = "json"
)

func (f Format) valid() bool { return f == FormatRaw || f == FormatJSON }

// Compression is applied to outbound payloads and reversed on inbound ones.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

func (c Compression) valid() bool {
	return c == CompressionNone || c == CompressionGzip || c == CompressionZstd
}

// maxDecodedSize caps decompressed inbound payloads.
const maxDecodedSize = 64 << 20

// Codec serializes and compresses payloads. Safe for concurrent use.
type Codec struct {
	format      Format
	compression Compression

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCodec creates a codec. Close it to release zstd workers.
func NewCodec(format Format, compression Compression) (*Codec, error) {
	if !format.valid() {
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
	if !compression.valid() {
		return nil, fmt.Errorf("unknown payload compression %q", compression)
	}

	c := &Codec{format: format, compression: compression}
	if compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			enc.Close() //nolint:errcheck // Encoder never used
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		c.zenc, c.zdec = enc, dec
	}
	return c, nil
}

// Marshal serializes v according to the codec format.
func (c *Codec) Marshal(v any) ([]byte, error) {
	if c.format == FormatJSON {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload: %w", err)
		}
		return b, nil
	}

	switch p := v.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		return nil, fmt.Errorf("raw payload format cannot encode %T", v)
	}
}

// Compress applies the configured compression.
func (c *Codec) Compress(payload []byte) ([]byte, error) {
	switch c.compression {
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return c.zenc.EncodeAll(payload, nil), nil
	default:
		return payload, nil
	}
}

// Decompress reverses Compress.
func (c *Codec) Decompress(payload []byte) ([]byte, error) {
	switch c.compression {
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gunzip payload: %w", err)
		}
		defer zr.Close() //nolint:errcheck // Read-only
		out, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
		if err != nil {
			return nil, fmt.Errorf("gunzip payload: %w", err)
		}
		if len(out) > maxDecodedSize {
			return nil, fmt.Errorf("gunzip payload: exceeds %d bytes", maxDecodedSize)
		}
		return out, nil
	case CompressionZstd:
		out, err := c.zdec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd payload: %w", err)
		}
		return out, nil
	default:
		return payload, nil
	}
}

// Close releases compression resources.
func (c *Codec) Close() {
	if c.zenc != nil {
		c.zenc.Close() //nolint:errcheck // Nothing buffered with EncodeAll
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
}
