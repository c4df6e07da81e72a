package main

import (
	"bytes"
	"context"
	"testing"

	"callsy/internal/calls"
	"callsy/internal/config"
	"callsy/internal/quality"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolePrint(t *testing.T) {
	var buf bytes.Buffer
	u := &console{out: &buf}

	u.print(calls.Call{
		State:   calls.StateConnected,
		Quality: &quality.Sample{Grade: quality.GradeGood, JitterSeconds: 0.015, PacketLossRatio: 0.012},
	})
	assert.Contains(t, buf.String(), "CONNECTED quality=GOOD jitter=15.0ms loss=1.2%")

	buf.Reset()
	u.print(calls.Call{State: calls.StateEnded, Outcome: calls.OutcomeUnavailable, Reason: "closed"})
	assert.Contains(t, buf.String(), "ENDED outcome=UNAVAILABLE (closed)")
}

func TestRunRejectsBadFlags(t *testing.T) {
	assert.Error(t, run("operator", "biz-1", "", "", false, 0))
	assert.Error(t, run("caller", "", "", "", false, 0))
}

func TestOpenDirectoryMemory(t *testing.T) {
	cfg := config.Config{Directory: config.DirectoryConfig{Backend: "memory"}}
	dir, db, err := openDirectory(context.Background(), cfg, "")
	require.NoError(t, err)
	assert.Nil(t, db)
	assert.NotNil(t, dir)

	_, _, err = openDirectory(context.Background(), cfg, "/nonexistent/seed.json")
	assert.Error(t, err)
}
