package worker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNothingWaiting 表示 Activate 时没有已安装待激活的代际。
var ErrNothingWaiting = errors.New("no installed generation waiting for activation")

// FileFailure 记录单个预缓存地址的失败原因。
type FileFailure struct {
	URL string
	Err error
}

// InstallationError 表示 all-or-nothing 策略下核心文件未能全部缓存，安装被放弃。
type InstallationError struct {
	Version  string
	Failures []FileFailure
}

func (e *InstallationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%v)", failure.URL, failure.Err))
	}
	return fmt.Sprintf("install %s aborted: %d core file(s) failed: %s", e.Version, len(e.Failures), strings.Join(parts, "; "))
}

// errUnexpectedStatus 表示预缓存时源站返回非 200。
type errUnexpectedStatus int

func (e errUnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected status %d", int(e))
}
