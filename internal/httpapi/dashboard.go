package httpapi

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/zakari90/centersync/internal/entity"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>CenterSync Status</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%%, #f1f8f7 45%%, #fffdf9 100%%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 880px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.5rem; letter-spacing: 0.02em; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .cards {
      display: grid;
      gap: 12px;
      grid-template-columns: repeat(auto-fit, minmax(180px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }

    .card b { font-size: 1.6rem; color: var(--accent); display: block; }
    .card span { color: var(--muted); font-size: 0.85rem; }

    table { width: 100%%; border-collapse: collapse; }
    td, th { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); font-size: 0.9rem; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>CenterSync Status</h1>
      <div class="sub">Authoritative store and notification feed at a glance.</div>
    </div>
    <div class="cards">
      <div class="card"><b>%d</b><span>accounts</span></div>
      <div class="card"><b>%d</b><span>owners with data</span></div>
      <div class="card"><b>%d</b><span>connected agents</span></div>
    </div>
    <div class="bar">
      <table>
        <tr><th>Collection</th><th>Records</th></tr>
%s      </table>
    </div>
  </div>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	stats := s.store.Stats()
	types := make([]entity.Type, 0, len(stats.Records))
	for typ := range stats.Records {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	rows := ""
	for _, typ := range types {
		rows += fmt.Sprintf("        <tr><td>%s</td><td>%d</td></tr>\n", typ, stats.Records[typ])
	}
	if rows == "" {
		rows = "        <tr><td colspan=\"2\">No records yet.</td></tr>\n"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, dashboardHTML, stats.Accounts, stats.Owners, s.hub.ClientCount(), rows)
}
