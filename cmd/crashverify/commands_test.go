package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"crash-lite/crash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerify(t *testing.T) {
	batch := crash.GenerateBatch(strings.Repeat("cd", 32), "client", 0.03, []string{"salt-a"})
	c := batch[0]

	out, err := execute(t, "verify", "--server-seed", c.ServerSeed, "--commitment", c.CommitmentHash,
		"--client-seed", "client", "--salt", c.Salt, "--json")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, c.CommitmentHash, got["commitment_hash"])
	assert.Equal(t, c.CrashPoint, got["crash_point"])

	out, err = execute(t, "verify", "--server-seed", c.ServerSeed, "--client-seed", "client", "--salt", c.Salt,
		"--expect", fmt.Sprintf("%.2f", c.CrashPoint))
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("%.2f", c.CrashPoint))
}

func TestVerify_Failures(t *testing.T) {
	_, err := execute(t, "verify")
	assert.Error(t, err, "server seed is required")

	_, err = execute(t, "verify", "--server-seed", "abc", "--commitment", strings.Repeat("0", 64))
	assert.ErrorIs(t, err, crash.ErrCommitmentMismatch)

	_, err = execute(t, "verify", "--server-seed", "abc", "--expect", "1000000")
	assert.ErrorContains(t, err, "mismatch")
}

func TestChain(t *testing.T) {
	seeds := crash.Chain(strings.Repeat("ef", 32), 4)

	out, err := execute(t, "chain", "--seed", seeds[0], "--count", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "0\t"+seeds[0]))
	for i := 1; i < 4; i++ {
		assert.True(t, strings.HasPrefix(lines[i], fmt.Sprintf("-%d\t%s\t%s", i, seeds[i], crash.CommitmentHash(seeds[i]))))
	}

	_, err = execute(t, "chain", "--count", "3")
	assert.Error(t, err)
}
