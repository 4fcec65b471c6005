//go:build windows

package registry

import (
	"net"

	winio "github.com/Microsoft/go-winio"
)

func listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

func dial(path string) (net.Conn, error) {
	return winio.DialPipe(path, nil)
}
