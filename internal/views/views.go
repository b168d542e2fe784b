package views

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

//go:embed web/*
var content embed.FS

// Handler returns an http.Handler that serves the front-end bundle.
//
// When dir is non-empty and the directory exists, assets are served from
// the filesystem. Otherwise the embedded shell is served.
// Panics if the embedded assets cannot be loaded (build error).
func Handler(dir string) http.Handler {
	fileSystem := bundle(dir)
	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upath := path.Clean("/" + r.URL.Path)

		// index.html changes with every deploy; hashed assets do not.
		if IsAsset(upath) {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		} else {
			w.Header().Set("Cache-Control", "no-cache, must-revalidate")
		}

		if upath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		f, err := fileSystem.Open(upath[1:])
		if err != nil {
			// A missing asset is a real 404; a missing page is a client route.
			if IsAsset(upath) {
				http.NotFound(w, r)
				return
			}
			r2 := r.Clone(r.Context())
			r2.URL.Path = "/"
			fileServer.ServeHTTP(w, r2)
			return
		}
		f.Close()

		fileServer.ServeHTTP(w, r)
	})
}

// IsAsset reports whether p names a static file (it has an extension)
// rather than a page route.
func IsAsset(p string) bool {
	return strings.Contains(path.Base(p), ".")
}

func bundle(dir string) http.FileSystem {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return http.Dir(dir)
		}
	}

	webFS, err := fs.Sub(content, "web")
	if err != nil {
		panic(fmt.Sprintf("views: failed to load embedded assets: %v", err))
	}
	return http.FS(webFS)
}
