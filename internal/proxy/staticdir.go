package proxy

import (
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/roxyproxy/roxy/internal/router"
)

// extMimeTypes is the built-in extension->MIME map spec.md §4.6 requires
// at minimum. It is consulted first, so these types do not depend on OS
// configuration; other extensions fall back to mime.TypeByExtension and then
// to application/octet-stream.
var extMimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".txt":  "text/plain; charset=utf-8",
	".pdf":  "application/pdf",
}

func contentType(name string) string {
	if ct, ok := extMimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// serveStatic implements the StaticDir target (spec.md §4.6): lexical
// containment check, index.html preference, custom autoindex, and
// conditional GET via If-Modified-Since.
func (e *Engine) serveStatic(w http.ResponseWriter, r *http.Request, res *router.Result) int {
	baseDir := res.Route.Target.Dir

	fsPath, err := containedPath(baseDir, res.ResidualPath)
	if err != nil {
		http.Error(w, "roxy: forbidden", http.StatusForbidden)
		return http.StatusForbidden
	}

	info, err := os.Lstat(fsPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return http.StatusNotFound
		}
		if os.IsPermission(err) {
			http.Error(w, "roxy: forbidden", http.StatusForbidden)
			return http.StatusForbidden
		}
		http.Error(w, "roxy: internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(fsPath)
		if err != nil || !withinBase(baseDir, resolved) {
			http.Error(w, "roxy: forbidden", http.StatusForbidden)
			return http.StatusForbidden
		}
		info, err = os.Stat(resolved)
		if err != nil {
			http.Error(w, "roxy: internal error", http.StatusInternalServerError)
			return http.StatusInternalServerError
		}
		fsPath = resolved
	}

	if info.IsDir() {
		return e.serveDir(w, r, fsPath, r.URL.Path)
	}
	return serveFile(w, r, fsPath, info)
}

// containedPath lexically resolves residual against baseDir and rejects any
// result that would escape baseDir via "..".
func containedPath(baseDir, residual string) (string, error) {
	cleaned := path.Clean("/" + residual)
	full := filepath.Join(baseDir, filepath.FromSlash(cleaned))
	if !withinBase(baseDir, full) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return full, nil
}

func withinBase(baseDir, candidate string) bool {
	baseDir = filepath.Clean(baseDir)
	candidate = filepath.Clean(candidate)
	if candidate == baseDir {
		return true
	}
	return strings.HasPrefix(candidate, baseDir+string(filepath.Separator))
}

func serveFile(w http.ResponseWriter, r *http.Request, fsPath string, info os.FileInfo) int {
	f, err := os.Open(fsPath)
	if err != nil {
		if os.IsPermission(err) {
			http.Error(w, "roxy: forbidden", http.StatusForbidden)
			return http.StatusForbidden
		}
		http.Error(w, "roxy: internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	defer f.Close()

	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !info.ModTime().Truncate(time.Second).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return http.StatusNotModified
		}
	}

	w.Header().Set("Content-Type", contentType(fsPath))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	io.Copy(w, f)
	return http.StatusOK
}

type dirEntryView struct {
	Name  string
	IsDir bool
	Size  int64
	MTime string
}

func (e *Engine) serveDir(w http.ResponseWriter, r *http.Request, fsPath, urlPath string) int {
	indexPath := filepath.Join(fsPath, "index.html")
	if info, err := os.Stat(indexPath); err == nil && !info.IsDir() {
		return serveFile(w, r, indexPath, info)
	}

	entries, err := os.ReadDir(fsPath)
	if err != nil {
		http.Error(w, "roxy: internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	views := make([]dirEntryView, 0, len(entries))
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil {
			continue
		}
		views = append(views, dirEntryView{
			Name:  ent.Name(),
			IsDir: ent.IsDir(),
			Size:  info.Size(),
			MTime: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].IsDir != views[j].IsDir {
			return views[i].IsDir
		}
		return views[i].Name < views[j].Name
	})

	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := autoindexTmpl.Execute(w, struct {
		Path    string
		Entries []dirEntryView
	}{Path: urlPath, Entries: views}); err != nil {
		e.log.Info("proxy: autoindex render failed")
	}
	return http.StatusOK
}

var autoindexTmpl = template.Must(template.New("autoindex").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Last modified</th></tr>
{{range .Entries}}<tr><td><a href="{{.Name}}{{if .IsDir}}/{{end}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td>{{if not .IsDir}}{{.Size}}{{end}}</td><td>{{.MTime}}</td></tr>
{{end}}</table>
</body>
</html>`))
