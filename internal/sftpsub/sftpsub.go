// Package sftpsub wraps a channel that has completed a "subsystem
// sftp" request into the io.ReadWriteCloser github.com/pkg/sftp
// expects, and constructs a *sftp.Client from it. It is spec.md
// §4.D's SFTP hook: the core delivers bytes in order and never parses
// SFTP messages itself.
package sftpsub

import (
	"io"

	"github.com/pkg/sftp"
)

// Open constructs a *sftp.Client riding on stream (typically a
// *channel.Channel's Stream() view), which must already have
// completed its "subsystem sftp" channel request. The core does not
// interpret anything sent or received after this point — pkg/sftp
// owns the entire SFTP wire protocol from here.
func Open(stream io.ReadWriteCloser) (*sftp.Client, error) {
	return sftp.NewClientPipe(stream, stream)
}
