package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "load", errors.New("inner")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: load: inner", wrapped.Error())
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	cmd := NewRootCommand(nil)
	cmd.SetArgs([]string{"--format", "xml", "rules", "list"})

	err := cmd.Execute()
	assert.Error(t, err)
}
