package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunVersionFlagExitsZeroWithoutArgs(t *testing.T) {
	assert.Equal(t, 0, run([]string{"-V"}))
	assert.Equal(t, 0, run([]string{"--version"}))
}

func TestRunVersionSubcommandExitsZero(t *testing.T) {
	assert.Equal(t, 0, run([]string{"version"}))
}

func TestRunMissingArgsReturnsNonZero(t *testing.T) {
	assert.NotEqual(t, 0, run([]string{}))
	assert.NotEqual(t, 0, run([]string{"only-one-arg"}))
}

func TestExitCodeForPlainErrorDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("boom")))
}

func TestExitCodeForExitCodeReturnsItsCode(t *testing.T) {
	err := &exitCode{code: 1, err: errors.New("database check failed")}
	assert.Equal(t, 1, exitCodeFor(err))
}

func TestMountOptionsAccumulatesRepeatedFlags(t *testing.T) {
	var opts mountOptions
	assert.NoError(t, opts.Set("ro"))
	assert.NoError(t, opts.Set("blocksize=8192"))
	assert.Equal(t, []string{"ro", "blocksize=8192"}, opts.values)
	assert.Equal(t, "ro,blocksize=8192", opts.String())
	assert.Equal(t, "opt", opts.Type())
}
