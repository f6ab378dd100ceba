package swcache

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates/offline.html.tmpl
var templatesFS embed.FS

var offlineTmpl = template.Must(template.ParseFS(templatesFS, "templates/offline.html.tmpl"))

type offlineView struct {
	Title   string
	Message string
	Retry   string
}

// renderOfflineDocument builds the self-contained page served when a
// navigation fails with nothing cached. It has no external references.
func renderOfflineDocument(title string) (*Response, error) {
	var buf bytes.Buffer
	err := offlineTmpl.Execute(&buf, offlineView{
		Title:   title,
		Message: "No internet connection. Some features may be unavailable.",
		Retry:   "Try again",
	})
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return newResponse(http.StatusOK, h, buf.Bytes()), nil
}

func serviceUnavailable(msg string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return newResponse(http.StatusServiceUnavailable, h, []byte(msg))
}
