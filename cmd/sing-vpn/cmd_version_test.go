package main

import (
	"bytes"
	"testing"

	"github.com/sagernet/sing/common/json"

	"github.com/stretchr/testify/require"
)

func TestWriteVersion(t *testing.T) {
	info := versionInfo{
		Version:   "1.2.0",
		Commit:    "abc123",
		GoVersion: "go1.24.0",
		Platform:  "linux/amd64",
	}
	var buffer bytes.Buffer
	require.NoError(t, writeVersion(&buffer, info))
	require.Equal(t, "sing-vpn 1.2.0.abc123 (go1.24.0, linux/amd64)\n", buffer.String())

	versionNameOnly = true
	t.Cleanup(func() { versionNameOnly = false })
	buffer.Reset()
	require.NoError(t, writeVersion(&buffer, versionInfo{Version: "1.2.0"}))
	require.Equal(t, "1.2.0\n", buffer.String())

	versionJSON = true
	t.Cleanup(func() { versionJSON = false })
	buffer.Reset()
	require.NoError(t, writeVersion(&buffer, info))
	var decoded versionInfo
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &decoded))
	require.Equal(t, info, decoded)
}
