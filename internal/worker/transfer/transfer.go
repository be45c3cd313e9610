// Package transfer implements the worker's half of download/upload/preview:
// once the gateway's loopback callback connects, these handlers stream
// file or archive bytes across it.
package transfer

import (
	"archive/zip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"sshbridge/internal/sshclient"
)

func init() {
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
}

// Config carries what a worker process needs to dial the gateway's loopback
// /client callback: the token identifying its peer, and the gateway's own
// loopback address.
type Config struct {
	Token       string
	GatewayAddr string
}

// callbackURL is always the bare /client path; the gateway matches the
// request back to its waiting rendezvous by the peer/id headers, not by
// query string (see internal/gateway/routes.go's routeWorkerCallback).
func (c Config) callbackURL() string {
	return "https://" + c.GatewayAddr + "/client"
}

func (c Config) newRequest(ctx context.Context, method string, id uint64, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.callbackURL(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("peer", c.Token)
	req.Header.Set("id", strconv.FormatUint(id, 10))
	return req, nil
}

// args is the download/preview op payload: either a single path or a list
// of paths (bundled into a zip named bundle.zip).
type args struct {
	Path  []string   `json:"path,omitempty"`
	Paths [][]string `json:"paths,omitempty"`
	Name  string     `json:"name,omitempty"`
}

// Dispatch runs one of download/upload/preview against the gateway's
// loopback /client callback, identifying itself with tcfg's token and this
// request's id so the gateway can match it to the waiting rendezvous.
func Dispatch(ctx context.Context, tcfg Config, id uint64, kind string, raw json.RawMessage) error {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}

	switch kind {
	case "download":
		return download(ctx, tcfg, id, a, "attachment")
	case "preview":
		return download(ctx, tcfg, id, a, "inline")
	case "upload":
		return upload(ctx, tcfg, id, a)
	default:
		return fmt.Errorf("unknown transfer kind %q", kind)
	}
}

// loopbackClient trusts any certificate presented by the gateway: this
// connection never leaves the machine.
var loopbackClient = &http.Client{
	Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
}

// download streams a single file, a single directory as a deflate zip, or
// several paths bundled into bundle.zip, to the gateway's callback URL.
// disposition is "attachment" for a real download and "inline" for a
// preview, per spec §4.5.
func download(ctx context.Context, tcfg Config, id uint64, a args, disposition string) error {
	pr, pw := io.Pipe()
	contentType := "application/octet-stream"
	name := a.Name
	ready := make(chan struct{})

	go func() {
		var err error
		switch {
		case len(a.Paths) > 1 || (len(a.Paths) == 1 && len(a.Path) == 0):
			if name == "" {
				name = "bundle.zip"
			}
			contentType = "application/zip"
			close(ready)
			err = zipMulti(pw, a.Paths)
		default:
			full := filepath.Join(a.Path...)
			info, statErr := os.Stat(full)
			if statErr != nil {
				close(ready)
				pw.CloseWithError(statErr)
				return
			}
			if info.IsDir() {
				if name == "" {
					name = filepath.Base(full) + ".zip"
				}
				contentType = "application/zip"
				close(ready)
				err = zipDir(pw, full)
			} else {
				if name == "" {
					name = filepath.Base(full)
				}
				if mt, mErr := mimetype.DetectFile(full); mErr == nil {
					contentType = mt.String()
				}
				close(ready)
				err = streamFile(pw, full)
			}
		}
		pw.CloseWithError(err)
	}()
	<-ready

	req, err := tcfg.newRequest(ctx, http.MethodPut, id, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Disposition", fmt.Sprintf(`%s; filename=%q`, disposition, name))

	resp, err := loopbackClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func streamFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = sshclient.CopyWithPooledBuffer(w, f)
	return err
}

// zipDir walks a single directory and writes its tree, relative to root,
// into a zip stream.
func zipDir(w io.Writer, root string) error {
	zw := zip.NewWriter(w)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return addZipEntry(zw, path, rel)
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// zipMulti bundles several independently-requested paths into one zip.
// Entries are the plain filename for files, and "<arg>/<relative>" for
// directories, matching the original worker's bundling rule.
func zipMulti(w io.Writer, paths [][]string) error {
	zw := zip.NewWriter(w)
	for _, segs := range paths {
		full := filepath.Join(segs...)
		info, err := os.Stat(full)
		if err != nil {
			zw.Close()
			return err
		}
		base := filepath.Base(full)
		if !info.IsDir() {
			if err := addZipEntry(zw, full, base); err != nil {
				zw.Close()
				return err
			}
			continue
		}
		err = filepath.Walk(full, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(full, path)
			if err != nil {
				return err
			}
			return addZipEntry(zw, path, filepath.Join(base, rel))
		})
		if err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addZipEntry(zw *zip.Writer, diskPath, entryName string) error {
	f, err := os.Open(diskPath)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.Create(entryName)
	if err != nil {
		return err
	}
	_, err = sshclient.CopyWithPooledBuffer(w, f)
	return err
}

// upload receives a body from the gateway's callback and writes it to a
// temp file beside the destination, then renames it into place, replacing
// any existing file. The destination is a.Name inside the a.Path directory,
// or a worker-chosen "<uuid>.temp" there when no name is given.
func upload(ctx context.Context, tcfg Config, id uint64, a args) error {
	req, err := tcfg.newRequest(ctx, http.MethodGet, id, nil)
	if err != nil {
		return err
	}
	resp, err := loopbackClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	name := a.Name
	if name == "" {
		name = uuid.NewString() + ".temp"
	}
	dest := filepath.Join(filepath.Join(a.Path...), name)
	tmp := dest + "." + uuid.NewString() + ".temp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := sshclient.CopyWithPooledBuffer(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	out.Close()
	return os.Rename(tmp, dest)
}
