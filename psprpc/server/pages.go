// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

const pageStyle = `<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 720px;
         margin: 0 auto; padding: 60px 20px 0; color: #2c2c1e; background: #faf8f0; }
  h1 { color: #2d5016; margin-bottom: 8px; }
  code { font-family: monospace; background: #f0ece0; padding: 2px 6px;
         border-radius: 3px; font-size: 0.9em; }
  p { line-height: 1.6; color: #6b6b5a; }
  table { width: 100%; border-collapse: collapse; font-size: 0.9em; margin-top: 24px; }
  th { text-align: left; padding: 8px 10px; background: #f0ece0; border-bottom: 2px solid #e0dcd0; }
  td { padding: 8px 10px; border-bottom: 1px solid #f0ece0; }
  .none { color: #6b6b5a; font-style: italic; }
  footer { margin-top: 48px; padding: 20px 0; border-top: 1px solid #f0ece0;
           color: #6b6b5a; font-size: 0.85em; text-align: center; }
  footer a { color: #2d5016; font-weight: 600; text-decoration: none; }
</style>`

const landingHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>psprpc endpoint</title>
%s
</head>
<body>
<h1>psprpc endpoint</h1>
<p>Server <code>%s</code>. POST Arrow IPC request envelopes to <code>%s</code>
with <code>Content-Type: %s</code>.</p>
%s
<footer>&copy; 2026 <a href="https://query.farm">Query.Farm LLC</a></footer>
</body>
</html>`

const notFoundHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>404 &mdash; psprpc endpoint</title>
%s
</head>
<body>
<h1>404 &mdash; Not Found</h1>
<p>This is a <code>psprpc</code> service. Requests go to <code>%s</code>.</p>
</body>
</html>`

func buildLandingHTML(prefix, serverID string, tables []psprpc.HostedTable) []byte {
	var body strings.Builder
	if len(tables) == 0 {
		body.WriteString(`<p class="none">No tables are hosted.</p>`)
	} else {
		body.WriteString("<table>\n<tr><th>Table</th><th>Index</th><th>Limit</th></tr>\n")
		for _, t := range tables {
			index, limit := "", ""
			if t.Index != nil {
				index = "<code>" + html.EscapeString(*t.Index) + "</code>"
			}
			if t.Limit != nil {
				limit = fmt.Sprint(*t.Limit)
			}
			fmt.Fprintf(&body, "<tr><td><code>%s</code></td><td>%s</td><td>%s</td></tr>\n",
				html.EscapeString(t.EntityID), index, limit)
		}
		body.WriteString("</table>")
	}
	return []byte(fmt.Sprintf(landingHTMLTemplate,
		pageStyle,
		html.EscapeString(serverID),
		html.EscapeString(prefix),
		arrowContentType,
		body.String(),
	))
}

func buildNotFoundHTML(prefix string) []byte {
	return []byte(fmt.Sprintf(notFoundHTMLTemplate, pageStyle, html.EscapeString(prefix)))
}

// hostedTables lists the handler's tables under the dispatch lock.
func (s *VirtualServer) hostedTables(r *http.Request) ([]psprpc.HostedTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.GetHostedTables(r.Context())
}

func (h *HttpServer) handleLandingPage(w http.ResponseWriter, r *http.Request) {
	vs := h.newServer(r)
	tables, err := vs.hostedTables(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.mu.Lock()
	prefix := h.prefix
	h.mu.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buildLandingHTML(prefix, vs.ServerID(), tables))
}

func (h *HttpServer) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	prefix := h.prefix
	h.mu.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(buildNotFoundHTML(prefix))
}
