//go:build !linux

package server

import (
	"errors"
	"net"
)

// peerUID is only implemented on Linux; elsewhere a uid allowlist rejects
// every peer.
func peerUID(net.Conn) (int, error) {
	return -1, errors.New("peer credentials are not supported on this platform")
}
