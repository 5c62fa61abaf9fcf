package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunWithNoArgsPrintsUsageAndFails(t *testing.T) {
	require.Equal(t, 2, run(context.Background(), nil))
}

func TestRunUnknownSubcommandFails(t *testing.T) {
	require.Equal(t, 2, run(context.Background(), []string{"bogus"}))
}

func TestRunVersionSucceeds(t *testing.T) {
	require.Equal(t, 0, run(context.Background(), []string{"-version"}))
}

func TestRunDeployRequiresFlags(t *testing.T) {
	require.Equal(t, 1, run(context.Background(), []string{"deploy"}))
}

func TestRunPrepareAdvancesAnEmptyBlockInMemory(t *testing.T) {
	captureStdout(t, func() {
		require.Equal(t, 0, run(context.Background(), []string{"prepare"}))
	})
}

// captureStdout redirects os.Stdout for the duration of fn, discarding
// output — these tests only check exit codes, not printed text.
func captureStdout(t *testing.T, fn func()) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() {
		os.Stdout = old
		w.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
	}()
	fn()
}
