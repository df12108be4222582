package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nvoskov/garant/internal/deal"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Garant</title>
    <meta name="description" content="Escrow for deals between strangers">
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>&#9878;</text></svg>">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --accent: #34d399;
            --warn: #fbbf24;
        }
        body {
            background: var(--bg);
            color: var(--text);
            font-family: ui-monospace, 'JetBrains Mono', monospace;
            padding: 48px 24px;
            max-width: 840px;
            margin: 0 auto;
        }
        h1 { font-size: 20px; margin-bottom: 4px; }
        .sub { color: var(--text-secondary); font-size: 13px; margin-bottom: 32px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 12px; margin-bottom: 32px; }
        .card {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 16px;
        }
        .card .label { color: var(--text-secondary); font-size: 11px; text-transform: uppercase; letter-spacing: 0.08em; }
        .card .value { font-size: 22px; margin-top: 6px; }
        .card .value.ok { color: var(--accent); }
        .card .value.warn { color: var(--warn); }
        a { color: var(--accent); text-decoration: none; }
        .links { color: var(--text-secondary); font-size: 13px; line-height: 2; }
    </style>
</head>
<body>
    <h1>&#9878; Garant</h1>
    <div class="sub">escrow for deals between strangers &mdash; fund, fulfill, confirm, or dispute</div>
    <div class="grid">
        <div class="card"><div class="label">Open listings</div><div class="value" id="listed">&ndash;</div></div>
        <div class="card"><div class="label">In escrow</div><div class="value" id="funded">&ndash;</div></div>
        <div class="card"><div class="label">Disputes</div><div class="value warn" id="disputed">&ndash;</div></div>
        <div class="card"><div class="label">Completed</div><div class="value ok" id="completed">&ndash;</div></div>
    </div>
    <div class="links">
        <a href="/v1">API reference</a> &middot;
        <a href="/v1/deals">open deals</a> &middot;
        <a href="/health">health</a> &middot;
        <a href="/metrics">metrics</a>
    </div>
    <script>
        function loadStats() {
            fetch('/v1/stats').then(r => r.json()).then(s => {
                for (const k of ['listed', 'funded', 'disputed', 'completed']) {
                    document.getElementById(k).textContent = s[k] ?? 0;
                }
            }).catch(() => {});
        }
        loadStats();
        setInterval(loadStats, 5000);
    </script>
</body>
</html>`

// dashboardHandler serves the status page at /.
func dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}

// handleStats backs the dashboard counters with per-state deal counts.
func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts := gin.H{}
	for _, st := range []deal.State{
		deal.StateListed, deal.StateFunded, deal.StateFulfilling,
		deal.StateDisputed, deal.StateCompleted,
	} {
		deals, err := s.deals.ListByState(ctx, st, 1000)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error"})
			return
		}
		counts[string(st)] = len(deals)
	}
	c.JSON(http.StatusOK, counts)
}
