// Package compression wraps the codecs selectable for checkpoint payloads.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone stores payloads as-is.
	TypeNone Type = "none"
	// TypeGzip uses gzip compression.
	TypeGzip Type = "gzip"
	// TypeZstd uses zstd compression.
	TypeZstd Type = "zstd"
	// TypeLZ4 uses lz4 frame compression.
	TypeLZ4 Type = "lz4"
	// TypeS2 uses s2 block compression.
	TypeS2 Type = "s2"
)

// Level is an algorithm-specific compression level. 0 selects the codec default.
type Level int

// zstd levels
const (
	ZstdSpeedFastest           Level = 1
	ZstdSpeedDefault           Level = 3
	ZstdSpeedBetterCompression Level = 6
	ZstdSpeedBestCompression   Level = 11
)

// Config holds compression configuration.
type Config struct {
	Type  Type
	Level Level
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "lz4":
		return TypeLZ4, nil
	case "s2":
		return TypeS2, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// zstd decoders are safe for concurrent DecodeAll; one shared instance is enough.
var (
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error

	zstdEncodersMu sync.Mutex
	zstdEncoders   = map[zstd.EncoderLevel]*zstd.Encoder{}
)

func sharedZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder, zstdDecoderErr
}

func zstdEncoder(level Level) (*zstd.Encoder, error) {
	zl := zstd.SpeedDefault
	switch level {
	case ZstdSpeedFastest:
		zl = zstd.SpeedFastest
	case ZstdSpeedBetterCompression:
		zl = zstd.SpeedBetterCompression
	case ZstdSpeedBestCompression:
		zl = zstd.SpeedBestCompression
	}

	zstdEncodersMu.Lock()
	defer zstdEncodersMu.Unlock()
	if enc, ok := zstdEncoders[zl]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	zstdEncoders[zl] = enc
	return enc, nil
}

// Compress compresses data using the configured type and level.
func Compress(data []byte, cfg Config) ([]byte, error) {
	t := cfg.Type
	if t == "" {
		t = TypeNone
	}

	var (
		out []byte
		err error
	)
	switch t {
	case TypeNone:
		out = data
	case TypeGzip:
		out, err = compressGzip(data, cfg.Level)
	case TypeZstd:
		var enc *zstd.Encoder
		if enc, err = zstdEncoder(cfg.Level); err == nil {
			out = enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		}
	case TypeLZ4:
		out, err = compressLZ4(data, cfg.Level)
	case TypeS2:
		if cfg.Level >= ZstdSpeedBetterCompression {
			out = s2.EncodeBetter(nil, data)
		} else {
			out = s2.Encode(nil, data)
		}
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		return nil, err
	}
	recordCompress(t, len(data), len(out))
	return out, nil
}

// Decompress decompresses data produced by Compress with the same type.
func Decompress(data []byte, t Type) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
		out, err = decompressGzip(data)
	case TypeZstd:
		var dec *zstd.Decoder
		if dec, err = sharedZstdDecoder(); err == nil {
			out, err = dec.DecodeAll(data, nil)
		}
	case TypeLZ4:
		out, err = io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case TypeS2:
		out, err = s2.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		decompressErrors.WithLabelValues(string(t)).Inc()
		return nil, fmt.Errorf("%s decompress: %w", t, err)
	}
	return out, nil
}

func compressGzip(data []byte, level Level) ([]byte, error) {
	gzLevel := gzip.DefaultCompression
	if level != 0 {
		gzLevel = int(level)
	}
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func compressLZ4(data []byte, level Level) ([]byte, error) {
	var buf bytes.Buffer
	lw := lz4.NewWriter(&buf)
	if level != 0 {
		if err := lw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(1 << (8 + level)))); err != nil {
			return nil, fmt.Errorf("invalid lz4 level %d: %w", level, err)
		}
	}
	if _, err := lw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write lz4 data: %w", err)
	}
	if err := lw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close lz4 writer: %w", err)
	}
	return buf.Bytes(), nil
}
