package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidConfig(t *testing.T, input string) *Config {
	t.Helper()
	c, err := ParseBytes([]byte(input))
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestEmptyConfig(t *testing.T) {
	cases := []string{"", "\n", "---", "---\n"}
	for _, input := range cases {
		_, err := ParseBytes([]byte(input))
		require.NoError(t, err, "an empty document has no volumes, which is valid")
	}
}

func TestMinimalVolume(t *testing.T) {
	c := testValidConfig(t, `
volumes:
  - path: /mnt/data
    targets:
      - path: /mnt/backup
`)
	require.Len(t, c.Volumes, 1)
	v := c.Volumes[0]
	assert.Equal(t, "/mnt/data", v.Path)
	assert.True(t, v.Enabled, "enabled defaults to true")
	assert.Equal(t, SourceNative, v.Source)
	require.Len(t, v.Targets, 1)
	assert.Equal(t, CompressionNone, v.Targets[0].Compress)
	assert.Equal(t, EncryptionNone, v.Targets[0].Encrypt)
}

func TestGlobalDefaults(t *testing.T) {
	c := testValidConfig(t, `volumes: []`)
	assert.Equal(t, "%Y%m%d-%H%M%S", c.Global.TimestampFormat)
	assert.True(t, c.Global.Incremental)
	assert.Equal(t, 1, c.Global.ParallelVolumes)
	assert.Equal(t, 1, c.Global.ParallelTargets)
}

func TestVolumeMissingPathFailsValidation(t *testing.T) {
	_, err := ParseBytes([]byte(`
volumes:
  - targets:
      - path: /mnt/backup
`))
	require.Error(t, err)
}

func TestDestinationCompressEnum(t *testing.T) {
	c := testValidConfig(t, `
volumes:
  - path: /mnt/data
    targets:
      - path: /mnt/backup
        compress: zstd
        rate_limit: "10M"
        encrypt: gpg
        gpg_recipient: ops@example.com
`)
	tgt := c.Volumes[0].Targets[0]
	assert.Equal(t, CompressionZstd, tgt.Compress)
	assert.Equal(t, ByteRate(10*1024*1024), tgt.RateLimit)
	assert.Equal(t, EncryptionGPG, tgt.Encrypt)
	assert.Equal(t, "ops@example.com", tgt.GPGRecipient)
}

func TestDestinationCompressEnum_invalid(t *testing.T) {
	_, err := ParseBytes([]byte(`
volumes:
  - path: /mnt/data
    targets:
      - path: /mnt/backup
        compress: rot13
`))
	require.Error(t, err)
}

func TestRetentionPolicy(t *testing.T) {
	c := testValidConfig(t, `
volumes:
  - path: /mnt/data
    retention:
      min: 1h
      hourly: 24
      daily: 7
    targets:
      - path: /mnt/backup
`)
	r := c.Volumes[0].Retention
	assert.Equal(t, 24, r.Hourly)
	assert.Equal(t, 7, r.Daily)
	assert.Equal(t, r.Min.AsTimeDuration().Hours(), 1.0)

	policy := r.ToRetentionPolicy()
	assert.Equal(t, 24, policy.Hourly)
	assert.Equal(t, 7, policy.Daily)
}

func TestParseTimestampFormat(t *testing.T) {
	c := testValidConfig(t, `volumes: []`)
	format, err := c.Global.ParseTimestampFormat()
	require.NoError(t, err)
	assert.Equal(t, "20060102-150405", format.Layout)
}

func TestSourceEnumRejectsUnknown(t *testing.T) {
	_, err := ParseBytes([]byte(`
volumes:
  - path: /mnt/data
    source: made-up
    targets:
      - path: /mnt/backup
`))
	require.Error(t, err)
}
