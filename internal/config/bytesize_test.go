package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"1024", 1024, false},
		{"500KB", 500 * KB, false},
		{"5MB", 5 * MB, false},
		{"1.5 GB", ByteSize(1.5 * float64(GB)), false},
		{"2GiB", 2 * GB, false},
		{"1tb", TB, false},
		{"0", 0, false},
		{"", 0, true},
		{"-5MB", 0, true},
		{"5XB", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "512B", (512 * B).String())
	assert.Equal(t, "5MB", (5 * MB).String())
	assert.Equal(t, "1.5GB", ByteSize(1.5*float64(GB)).String())
}

func TestByteSizeJSON(t *testing.T) {
	var b ByteSize
	require.NoError(t, json.Unmarshal([]byte(`"64MB"`), &b))
	assert.Equal(t, 64*MB, b)

	require.NoError(t, json.Unmarshal([]byte(`1048576`), &b))
	assert.Equal(t, MB, b)

	out, err := json.Marshal(5 * MB)
	require.NoError(t, err)
	assert.Equal(t, `"5MB"`, string(out))
}

func TestByteSizeUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("100MB")))
	assert.Equal(t, 100*MB, b)
	require.Error(t, b.UnmarshalText([]byte("nope")))
}
