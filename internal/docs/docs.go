package docs

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/sceneactivity/sceneactivity/internal/httputil"
)

//go:embed openapi.yaml
var specYAML []byte

const scalarCDN = "https://cdn.jsdelivr.net"

func HandleSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(specYAML)
}

// HandleDocs serves the API reference page. The page script runs under the
// request's CSP nonce.
func HandleDocs(w http.ResponseWriter, r *http.Request) {
	nonce := httputil.NonceFromContext(r.Context())
	w.Header().Set("Content-Security-Policy", fmt.Sprintf(
		"default-src 'self'; script-src 'self' %[1]s 'nonce-%[2]s'; style-src 'self' %[1]s 'unsafe-inline'; "+
			"font-src 'self' %[1]s data:; img-src 'self' data:; connect-src 'self'; frame-ancestors 'self';",
		scalarCDN, nonce))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, docsHTML, nonce, nonce)
}

const docsHTML = `<!DOCTYPE html>
<html><head>
  <title>Scene Activity API Reference</title>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
</head><body>
  <script id="api-reference" nonce="%s" data-url="/api/docs/openapi.yaml"></script>
  <script nonce="%s" src="` + scalarCDN + `/npm/@scalar/api-reference"></script>
</body></html>`
