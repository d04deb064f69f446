package invoker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandProfile(t *testing.T) {
	tests := []struct {
		profile string
		want    []string
		wantErr bool
	}{
		{profile: "", want: nil},
		{profile: ProfileLocked, want: []string{"--allow-tool", "write"}},
		{profile: ProfileYolo, want: []string{"--yolo"}},
		{profile: "everything", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			got, err := ExpandProfile(tt.profile)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandProfileDevIncludesAllowAll(t *testing.T) {
	args, err := ExpandProfile(ProfileDev)
	require.NoError(t, err)
	assert.Contains(t, args, "--allow-all-tools")
	assert.Contains(t, args, "shell(git:*)")
}

func TestToolArgsAlwaysDeniesDestructiveTools(t *testing.T) {
	args, err := ToolArgs("some-model", ProfileSafe, []string{"fetch"}, []string{"shell(curl)"})
	require.NoError(t, err)

	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	assert.Contains(t, joined, "--model some-model")
	assert.Contains(t, joined, "--deny-tool shell(rm)")
	assert.Contains(t, joined, "--deny-tool shell(git push)")
	assert.Contains(t, joined, "--allow-tool fetch")
	assert.Contains(t, joined, "--deny-tool shell(curl)")
}

func TestToolArgsRejectsUnknownProfile(t *testing.T) {
	_, err := ToolArgs("m", "bogus", nil, nil)
	require.Error(t, err)
}

// writeFakeAgent drops an executable shell script that ignores its flags
// and behaves per the body.
func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestProcessInvokerCapturesOutput(t *testing.T) {
	bin := writeFakeAgent(t, `echo "working on it"; echo "STORY_DONE"`)
	inv := NewProcessInvoker(bin, t.TempDir(), nil, 10*time.Second)
	inv.SetStream(&bytes.Buffer{})

	transcript, err := inv.Invoke(context.Background(), "do the thing")
	require.NoError(t, err)
	assert.Contains(t, transcript, "working on it")
	assert.Contains(t, transcript, "STORY_DONE")
	assert.NotContains(t, transcript, "[ERROR]")
}

func TestProcessInvokerMergesStderr(t *testing.T) {
	bin := writeFakeAgent(t, `echo "to stdout"; echo "to stderr" >&2`)
	inv := NewProcessInvoker(bin, t.TempDir(), nil, 10*time.Second)
	inv.SetStream(&bytes.Buffer{})

	transcript, err := inv.Invoke(context.Background(), "x")
	require.NoError(t, err)
	assert.Contains(t, transcript, "to stdout")
	assert.Contains(t, transcript, "to stderr")
}

func TestProcessInvokerNonzeroExitAddsMarker(t *testing.T) {
	bin := writeFakeAgent(t, `echo "partial work"; exit 3`)
	inv := NewProcessInvoker(bin, t.TempDir(), nil, 10*time.Second)
	inv.SetStream(&bytes.Buffer{})

	transcript, err := inv.Invoke(context.Background(), "x")
	require.NoError(t, err)
	assert.Contains(t, transcript, "partial work")
	assert.Contains(t, transcript, "exited with 3")
}

func TestProcessInvokerMissingBinary(t *testing.T) {
	inv := NewProcessInvoker("definitely-not-a-real-binary-xyz", t.TempDir(), nil, time.Second)
	inv.SetStream(&bytes.Buffer{})

	transcript, err := inv.Invoke(context.Background(), "x")
	require.NoError(t, err)
	assert.Contains(t, transcript, "[ERROR] agent binary not found")
}

func TestProcessInvokerHandlesOversizedLine(t *testing.T) {
	// One 2 MiB line with no newline until the very end, then a marker.
	bin := writeFakeAgent(t, "yes x | head -c 4194304 | tr -d '\\n'; echo; echo DONE")
	inv := NewProcessInvoker(bin, t.TempDir(), nil, 5*time.Second)
	inv.SetStream(&bytes.Buffer{})

	type result struct {
		transcript string
		err        error
	}
	got := make(chan result, 1)
	go func() {
		transcript, err := inv.Invoke(context.Background(), "huge")
		got <- result{transcript, err}
	}()

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Contains(t, r.transcript, "DONE")
		assert.Greater(t, len(r.transcript), 2*1024*1024, "the long line must be captured whole, not truncated")
		assert.NotContains(t, r.transcript, "[ERROR]")
	case <-time.After(20 * time.Second):
		t.Fatal("Invoke did not return for a single oversized output line")
	}
}

func TestProcessInvokerStreamsLive(t *testing.T) {
	bin := writeFakeAgent(t, `echo "live line"`)
	inv := NewProcessInvoker(bin, t.TempDir(), nil, 10*time.Second)
	var stream bytes.Buffer
	inv.SetStream(&stream)

	_, err := inv.Invoke(context.Background(), "x")
	require.NoError(t, err)
	assert.Contains(t, stream.String(), "live line")
}
