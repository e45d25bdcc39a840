package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/blepeer/frame"
)

func TestEncodeCommand(t *testing.T) {
	cmd := encodeCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--mtu", "40", "--from", "00112233-4455-6677-8899-aabbccddeeff", strings.Repeat("x", 30)})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	chunk := frame.MaxChunkSize(40)
	frames := (30 + chunk - 1) / chunk
	require.Len(t, lines, frames+1)
	assert.Contains(t, lines[0], "00112233-4455-6677-8899-aabbccddeeff")
	assert.Contains(t, lines[1], "[1/3]")
}

func TestEncodeCommandRejectsUnknownType(t *testing.T) {
	cmd := encodeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--type", "photo", "hi"})
	assert.Error(t, cmd.Execute())
}

func TestSimulateTwoNodes(t *testing.T) {
	err := runApp(context.Background(), simParams{
		Nodes:    2,
		Messages: 2,
		Size:     300,
		MTU:      185,
		Seed:     7,
		Timeout:  10 * time.Second,
	})
	assert.NoError(t, err)
}

func TestRadioCommand(t *testing.T) {
	cmd := radioCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--attempts", "5", "--writes", "100"})
	require.NoError(t, cmd.Execute())

	for _, section := range []string{"Connections", "Writes", "RSSI", "MTU"} {
		assert.Contains(t, out.String(), section)
	}
	assert.Contains(t, out.String(), "23/512 -> mtu 23")
}
