//go:build !unix

package ffmpeg

import (
	"errors"
	"os/exec"
)

type CredentialRunAs struct {
	UID uint32
	GID uint32
}

func (c CredentialRunAs) Prepare(*exec.Cmd) error {
	return errors.New("running the transcoder as another user is not supported on this platform")
}
