package program

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSerializeRoundTrip(t *testing.T) {
	p := &Process{Argv: []string{"/bin/sh", "-c", "exit 0"}}
	s := p.Serialize()
	assert.Equal(t, "process", s.Type)

	got, err := FromSerialized(s)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestShellCommandSerializeRoundTrip(t *testing.T) {
	sh := NewShellCommand("echo hi")
	s := sh.Serialize()
	assert.Equal(t, "shell", s.Type)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, s.Argv)

	got, err := FromSerialized(s)
	require.NoError(t, err)
	gotSh, ok := got.(*ShellCommand)
	require.True(t, ok)
	assert.Equal(t, "echo hi", gotSh.Command)
}

func TestProcessStartSuccess(t *testing.T) {
	p := &Process{Argv: []string{"/bin/sh", "-c", "exit 0"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	obs, outcomes, err := p.Start(ctx, RunRef{RunID: "r1", JobID: "j1"})
	require.NoError(t, err)
	assert.NotEmpty(t, obs.Meta["pid"])

	select {
	case out := <-outcomes:
		assert.Equal(t, OutcomeSuccess, out.Kind)
		assert.Equal(t, "0", out.Meta["return_code"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestProcessStartFailure(t *testing.T) {
	p := &Process{Argv: []string{"/bin/sh", "-c", "exit 7"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, outcomes, err := p.Start(ctx, RunRef{RunID: "r1", JobID: "j1"})
	require.NoError(t, err)

	select {
	case out := <-outcomes:
		assert.Equal(t, OutcomeFailure, out.Kind)
		assert.Equal(t, "7", out.Meta["return_code"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestProcessStartSpawnError(t *testing.T) {
	p := &Process{Argv: []string{"/no/such/executable-xyz"}}
	ctx := context.Background()

	_, _, err := p.Start(ctx, RunRef{RunID: "r1", JobID: "j1"})
	require.Error(t, err)
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
}

func TestProcessReconnectMissingPid(t *testing.T) {
	p := &Process{}
	ctx := context.Background()
	ch := p.Reconnect(ctx, RunRef{RunID: "r1"}, map[string]string{"pid": "not-a-number"})
	select {
	case out := <-ch:
		assert.Equal(t, OutcomeError, out.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
