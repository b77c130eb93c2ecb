// File: cmd/hioload-http/static.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Static file handler and the stats endpoint.

package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/momentics/hioload-http/api"
	cp "github.com/momentics/hioload-http/core/protocol"
	"github.com/momentics/hioload-http/protocol"
	"github.com/momentics/hioload-http/server"
)

const indexFile = "index.html"

// staticHandler serves files below root by the "**" remainder of the
// route. Ranges, HEAD and multipart replies come from SendRangeFile.
func staticHandler(root string) server.Handler {
	return func(req *protocol.Request, res *protocol.Response) error {
		if m := req.Method(); m != cp.MethodGet && m != cp.MethodHead {
			return res.SetStatusAndContent(protocol.StatusMethodNotAllowed, "").Send()
		}
		rel, err := req.Wildcard()
		if err != nil {
			rel = ""
		}
		// Clean against "/" so ".." cannot climb above root.
		name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+rel)))
		if fi, err := os.Stat(name); err == nil && fi.IsDir() {
			name = filepath.Join(name, indexFile)
		}
		err = res.SendRangeFile(req.RangeView(), name)
		if errors.Is(err, fs.ErrNotExist) {
			return server.NotFound(req, res)
		}
		return err
	}
}

// statsHandler replies with the control snapshot as JSON.
func statsHandler(ctl api.Control) server.Handler {
	return func(_ *protocol.Request, res *protocol.Response) error {
		body, err := json.Marshal(ctl.Stats())
		if err != nil {
			return err
		}
		return res.SetContentType(protocol.ContentTypeJSON).SetBody(body).Send()
	}
}
