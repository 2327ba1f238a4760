package ffmpeg

import "os/exec"

// RunAs prepares a transcoder command to run under other credentials.
type RunAs interface {
	Prepare(cmd *exec.Cmd) error
}

// NoopRunAs leaves commands untouched.
type NoopRunAs struct{}

func (NoopRunAs) Prepare(*exec.Cmd) error { return nil }

// NewRunAs returns credential switching when uid is set, otherwise a no-op.
func NewRunAs(uid, gid int) RunAs {
	if uid < 0 {
		return NoopRunAs{}
	}
	if gid < 0 {
		gid = uid
	}
	return CredentialRunAs{UID: uint32(uid), GID: uint32(gid)}
}
