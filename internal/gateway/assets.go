package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// AssetServer serves static browser assets out of a directory, content-type
// sniffed with mimetype rather than guessed from the extension alone, and
// wrapped by the caller in gziphandler for Content-Encoding negotiation.
type AssetServer struct {
	Root string
}

// NewAssetServer builds an AssetServer rooted at dir. An empty dir means
// "no assets configured" and the caller should route to 404 instead.
func NewAssetServer(dir string) *AssetServer {
	if dir == "" {
		return nil
	}
	return &AssetServer{Root: dir}
}

func (a *AssetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := filepath.Clean(r.URL.Path)
	if clean == "." || clean == "/" {
		clean = "/index.html"
	}
	full := filepath.Join(a.Root, clean)

	if !strings.HasPrefix(full, filepath.Clean(a.Root)+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	mtype, err := mimetype.DetectFile(full)
	if err == nil {
		w.Header().Set("Content-Type", mtype.String())
	}
	http.ServeContent(w, r, full, info.ModTime(), f)
}
