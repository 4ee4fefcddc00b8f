package taskregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/model"
)

func TestLoadBuiltins_RegistersEchoFixtures(t *testing.T) {
	r := New()
	r.LoadBuiltins()

	ok, found := r.Get("echo_ok")
	require.True(t, found)
	assert.True(t, ok.IsEnabled)

	fail, found := r.Get("echo_fail")
	require.True(t, found)
	assert.True(t, fail.IsEnabled)

	okArgv, err := BuildCommand(ok, nil)
	require.NoError(t, err)
	assert.Contains(t, okArgv, "echo hi; exit 0")

	failArgv, err := BuildCommand(fail, nil)
	require.NoError(t, err)
	assert.Contains(t, failArgv, "echo nope 1>&2; exit 7")
}

func TestGet_UnknownTask(t *testing.T) {
	r := New()
	_, found := r.Get("nope")
	assert.False(t, found)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := New()
	r.Register(&model.Task{TaskID: "t1", IsEnabled: true})

	snap := r.Snapshot()
	delete(snap, "t1")

	_, found := r.Get("t1")
	assert.True(t, found, "mutating a snapshot must not affect the live registry")
}

func TestBuildCommand_MissingFunctionIsAnError(t *testing.T) {
	task := &model.Task{TaskID: "t1"}
	_, err := BuildCommand(task, nil)
	require.ErrorIs(t, err, ErrNoBuildCommand)
}
