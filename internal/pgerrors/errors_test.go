package pgerrors

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		kind  Kind
		errno syscall.Errno
	}{
		{KindNotFound, syscall.ENOENT},
		{KindAlreadyExists, syscall.EEXIST},
		{KindIsDirectory, syscall.EISDIR},
		{KindNotDirectory, syscall.ENOTDIR},
		{KindNotPermitted, syscall.EPERM},
		{KindNotEmpty, syscall.ENOTEMPTY},
		{KindInvalidHandle, syscall.EBADF},
		{KindReadOnly, syscall.EROFS},
		{KindOutOfMemory, syscall.ENOMEM},
		{KindBadArgument, syscall.EINVAL},
		{KindIO, syscall.EIO},
	}
	for _, c := range cases {
		e := New(c.kind, "dal", "read")
		assert.Equal(t, c.errno, e.Errno(), "kind %s", c.kind)
	}
}

func TestToErrno(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), ToErrno(nil))
	assert.Equal(t, syscall.ENOENT, ToErrno(NotFound("dal", "lookup", "/a")))
	assert.Equal(t, syscall.EIO, ToErrno(errors.New("boom")))
}

func TestWrapIsIO(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap("pool", "acquire", cause)
	assert.Equal(t, KindIO, e.Kind)
	assert.Equal(t, syscall.EIO, e.Errno())
	assert.ErrorIs(t, e, cause)
}

func TestErrorIsComparesKind(t *testing.T) {
	a := NotFound("dal", "lookup", "/a")
	b := NotFound("handlers", "getattr", "/b")
	assert.True(t, errors.Is(a, b))

	c := AlreadyExists("dal", "create", "/a")
	assert.False(t, errors.Is(a, c))
}

func TestOf(t *testing.T) {
	assert.Equal(t, KindNotEmpty, Of(NotEmpty("dal", "rmdir", "/x")))
	assert.Equal(t, Kind(""), Of(errors.New("plain")))
}

func TestWithContextAndPath(t *testing.T) {
	e := BadArgument("handlers", "write", "negative offset").WithPath("/f")
	require.Equal(t, "/f", e.Path)
	require.Equal(t, "negative offset", e.Context["reason"])
	assert.Contains(t, e.Error(), "/f")
}
