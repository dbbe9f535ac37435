// File: cmd/hioload-net/echo.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"github.com/containerd/log"

	"github.com/momentics/hioload-net/server"
)

var crlf = []byte("\r\n")

// lineEcho answers every CRLF-terminated line with itself. Each answered
// line counts as one request against the keep-alive budget.
type lineEcho struct {
	maxLine int
}

func (e lineEcho) OnRequestOpen(c *server.Connection) {
	var line []byte
	c.Socket().ReadUntilAsync(crlf, 0, func(chunk []byte, found bool, err error) {
		if err != nil {
			log.L.WithField("conn", c.String()).WithError(err).Debug("echo read ended")
			c.Finalize()
			return
		}
		line = append(line, chunk...)
		if e.maxLine > 0 && len(line) > e.maxLine {
			log.L.WithField("conn", c.String()).Debug("echo line too long")
			c.Finalize()
			return
		}
		if !found {
			return
		}
		c.Socket().WriteAsync(line, func(_ int, err error) {
			if err != nil {
				c.Finalize()
				return
			}
			c.Continue()
		})
	})
}

func (lineEcho) OnRequestClose(c *server.Connection) {
	log.L.WithFields(log.Fields{
		"conn":   c.String(),
		"remote": c.Socket().Remote().String(),
	}).Debug("echo connection closed")
}
