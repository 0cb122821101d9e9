// Package procutil answers whether a process recorded in a lock or marker
// file is still the one that wrote it.
package procutil

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid is running and, when createTime is known, is the
// same process that recorded it. A reused pid has a different create time.
func Alive(pid int, createTime int64) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	if createTime == 0 {
		return true
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	ct, err := p.CreateTime()
	if err != nil {
		// Cannot prove it is a different process.
		return true
	}
	return ct == createTime
}

// SelfCreateTime is this process's create time in milliseconds, or 0 when
// the platform does not report it.
func SelfCreateTime() int64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	ct, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ct
}
