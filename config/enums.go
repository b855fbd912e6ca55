package config

import (
	"fmt"

	"go.yaml.in/yaml/v4"

	"github.com/snapward/snapward/internal/pipeline"
)

// Compression is the `compress` destination option (spec §6): one of
// none, zstd, gzip, lz4, pigz, lzop, bzip2, xz.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionZstd  Compression = "zstd"
	CompressionGzip  Compression = "gzip"
	CompressionLZ4   Compression = "lz4"
	CompressionPigz  Compression = "pigz"
	CompressionLzop  Compression = "lzop"
	CompressionBzip2 Compression = "bzip2"
	CompressionXZ    Compression = "xz"
)

func (c Compression) valid() bool {
	switch c {
	case CompressionNone, CompressionZstd, CompressionGzip, CompressionLZ4,
		CompressionPigz, CompressionLzop, CompressionBzip2, CompressionXZ:
		return true
	default:
		return false
	}
}

func (c *Compression) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	candidate := Compression(s)
	if !candidate.valid() {
		return fmt.Errorf("invalid compress value %q", s)
	}
	*c = candidate
	return nil
}

// ToPipelineKind resolves the config value to the internal/pipeline
// enum the Transfer Pipeline's Shaping consumes.
func (c Compression) ToPipelineKind() pipeline.CompressionKind {
	switch c {
	case CompressionZstd:
		return pipeline.CompressZstd
	case CompressionGzip:
		return pipeline.CompressGzip
	case CompressionLZ4:
		return pipeline.CompressLZ4
	case CompressionPigz:
		return pipeline.CompressPigz
	case CompressionLzop:
		return pipeline.CompressLzop
	case CompressionBzip2:
		return pipeline.CompressBzip2
	case CompressionXZ:
		return pipeline.CompressXZ
	default:
		return pipeline.CompressNone
	}
}

// Encryption is the `encrypt` destination option (spec §6): one of
// none, gpg, openssl.
type Encryption string

const (
	EncryptionNone    Encryption = "none"
	EncryptionGPG     Encryption = "gpg"
	EncryptionOpenSSL Encryption = "openssl"
)

func (e Encryption) valid() bool {
	switch e {
	case EncryptionNone, EncryptionGPG, EncryptionOpenSSL:
		return true
	default:
		return false
	}
}

func (e *Encryption) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	candidate := Encryption(s)
	if !candidate.valid() {
		return fmt.Errorf("invalid encrypt value %q", s)
	}
	*e = candidate
	return nil
}

func (e Encryption) ToPipelineKind() pipeline.EncryptionKind {
	switch e {
	case EncryptionGPG:
		return pipeline.EncryptGPG
	case EncryptionOpenSSL:
		return pipeline.EncryptOpenSSL
	default:
		return pipeline.EncryptNone
	}
}
