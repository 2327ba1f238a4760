//go:build unix

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// CredentialRunAs starts the process with a different uid/gid.
type CredentialRunAs struct {
	UID uint32
	GID uint32
}

func (c CredentialRunAs) Prepare(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: c.UID, Gid: c.GID}
	return nil
}
