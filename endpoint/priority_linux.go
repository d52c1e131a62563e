//go:build linux
// +build linux

package endpoint

import (
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-nioendpoint/log"
)

// niceFor maps a 1..10 priority onto a nice value, two steps per level.
func niceFor(priority int) int {
	nice := (normPriority - priority) * 2
	return max(-20, min(19, nice))
}

// setThreadPriority pins the calling goroutine to its OS thread and renices
// that thread. The thread is discarded when the goroutine exits, so the
// change never leaks to other goroutines.
func setThreadPriority(priority int, who string) {
	if priority == 0 || priority == normPriority {
		return
	}
	runtime.LockOSThread()
	nice := niceFor(priority)
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
		log.Logger.Warn("failed to set thread priority",
			zap.String("thread", who), zap.Int("priority", priority), zap.Int("nice", nice), zap.Error(err))
	}
}
