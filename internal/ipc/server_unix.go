package ipc

import (
	"fmt"
	"net"
	"os"
)

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it's a socket
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// VerifyPeerIsCurrentUser returns the peer credentials, or ErrPeerRejected
// when the peer runs as another user.
func VerifyPeerIsCurrentUser(conn net.Conn) (*PeerCredentials, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return nil, err
	}
	if cred.UID != os.Getuid() {
		return cred, fmt.Errorf("%w: uid %d", ErrPeerRejected, cred.UID)
	}
	return cred, nil
}
