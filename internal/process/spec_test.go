package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		args []string
	}{
		{"empty", "  ", []string{"/bin/true"}},
		{"plain", "sleep 1", []string{"sleep", "1"}},
		{"pipe", "echo hi | cat", []string{"/bin/sh", "-c", "echo hi | cat"}},
		{"explicit shell", "sh -c 'echo $HOME'", []string{"/bin/sh", "-c", "echo $HOME"}},
		{"explicit shell unquoted", "/bin/sh -c true", []string{"/bin/sh", "-c", "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := Spec{Command: tt.cmd}.BuildCommand()
			assert.Equal(t, tt.args, cmd.Args)
		})
	}
}

func TestFakeController(t *testing.T) {
	f := NewFake()
	spawned := make(chan int, 1)
	f.SetOnSpawn(func(pid int, _ Spec) { spawned <- pid })

	_, err := f.Spawn(Spec{})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	pid, err := f.Spawn(Spec{Name: "com.example.demo"})
	assert.NoError(t, err)
	assert.Equal(t, pid, <-spawned)
	assert.True(t, f.Alive(pid))

	assert.NoError(t, f.KillProcess(pid, "test"))
	assert.False(t, f.Alive(pid))
	assert.Equal(t, []Kill{{PID: pid, Reason: "test"}}, f.Kills())
	assert.ErrorIs(t, f.KillProcess(0, "test"), ErrInvalidPID)

	f.FailSpawn(assert.AnError)
	_, err = f.Spawn(Spec{Name: "x"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, f.Spawned(), 1)
}
