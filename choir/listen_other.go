//go:build !unix

package choir

import (
	"syscall"
)

func listenControl(string, string, syscall.RawConn) error {
	return nil
}
