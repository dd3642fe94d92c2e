package tunnel

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	smerr "sshmux/internal/errors"
)

// dispatch launches one dequeued request against client. It returns
// once the request's channel is open (or the request has failed); the
// rest runs on goroutines started here.
func (m *Manager) dispatch(gen uint64, client *ssh.Client, req Request) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("%s dispatch panicked: %v", req.Kind(), p)
			m.complete(req, fmt.Errorf("%s: internal error: %v", req.Kind(), p))
		}
	}()

	m.log.Debug("dispatch %s", req.Kind())
	switch r := req.(type) {
	case *ExecRequest:
		m.startExec(gen, client, r)
	case *SpawnRequest:
		m.startSpawn(gen, client, r)
	case *SFTPReadRequest, *SFTPWriteRequest, *SFTPDeleteRequest,
		*SFTPStatRequest, *SFTPDirEnsureRequest, *SFTPPwdRequest:
		m.startSFTP(gen, client, r)
	case *TunnelOutRequest:
		m.startTunnelOut(gen, client, r)
	case *TunnelInRequest:
		m.startTunnelIn(gen, client, r)
	default:
		m.complete(req, smerr.ErrUnknownCommand)
	}
}
