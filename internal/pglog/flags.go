package pglog

import (
	"fmt"
	"syscall"
)

// FormatOpenFlags renders an open(2)/create(2) flag bitmask the way
// pgfuse.c's flags_to_string does, for verbose-mode open/create logging.
func FormatOpenFlags(flags int) string {
	mode := ""
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		mode = "O_WRONLY"
	case syscall.O_RDWR:
		mode = "O_RDWR"
	case syscall.O_RDONLY:
		mode = "O_RDONLY"
	}

	extra := ""
	if flags&syscall.O_CREAT != 0 {
		extra += "O_CREAT "
	}
	if flags&syscall.O_TRUNC != 0 {
		extra += "O_TRUNC "
	}
	if flags&syscall.O_EXCL != 0 {
		extra += "O_EXCL "
	}
	if flags&syscall.O_APPEND != 0 {
		extra += "O_APPEND "
	}

	return fmt.Sprintf("access_mode=%s, flags=%s", mode, extra)
}
