package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="it">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Mappatura SMD</title>
  <style>
    :root { --ink: #102223; --paper: #f8f4ea; --card: #fffdf9; --line: #d7cbb3; --accent: #1f9d88; --danger: #c2483f; }
    * { box-sizing: border-box; }
    body { margin: 0; padding: 20px; font-family: "Avenir Next", "Segoe UI", sans-serif; color: var(--ink); background: var(--paper); }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 12px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 10px; padding: 12px; }
    .label { font-size: 12px; text-transform: uppercase; opacity: 0.7; }
    .value { font-size: 22px; font-weight: 600; }
    .ok { color: var(--accent); }
    .bad { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; margin-top: 16px; }
    td, th { text-align: left; padding: 6px; border-bottom: 1px solid var(--line); font-size: 14px; }
    input { padding: 6px; border: 1px solid var(--line); border-radius: 6px; }
  </style>
</head>
<body>
  <h1>Mappatura SMD</h1>
  <p><input id="token" type="password" placeholder="admin token" /> <span id="state"></span></p>
  <div class="grid" id="cards"></div>
  <table>
    <thead><tr><th>Plot</th><th>Coordinate</th><th>Proprietario</th><th>Tentativi</th><th>Errore</th></tr></thead>
    <tbody id="pending"></tbody>
  </table>
  <script>
    (() => {
      const tokenInput = document.getElementById("token");
      tokenInput.value = localStorage.getItem("mappaturaToken") || "";
      tokenInput.addEventListener("change", () => localStorage.setItem("mappaturaToken", tokenInput.value));

      async function get(path) {
        const headers = tokenInput.value ? { Authorization: "Bearer " + tokenInput.value } : {};
        const response = await fetch(path, { headers });
        if (!response.ok) throw new Error(path + ": HTTP " + response.status);
        return response.json();
      }

      function card(label, value, good) {
        const cls = good === undefined ? "" : (good ? "ok" : "bad");
        return '<div class="card"><div class="label">' + label + '</div><div class="value ' + cls + '">' + value + '</div></div>';
      }

      function text(value) {
        const span = document.createElement("span");
        span.textContent = value == null ? "" : String(value);
        return span.innerHTML;
      }

      async function refresh() {
        try {
          const status = await get("/v1/status");
          document.getElementById("cards").innerHTML =
            card("Mappatura", status.running ? "attiva" : "ferma", status.running) +
            card("Autorizzato", status.authorized ? "sì" : "no", status.authorized) +
            card("Client", status.connected ? "connesso" : "disconnesso", status.connected) +
            card("Celle in coda", status.scheduler.pendingCells) +
            card("Invii in attesa", status.pending) +
            card("Abbandonati", status.abandoned, status.abandoned === 0) +
            card("Plot in cache", status.indexed);
          const pending = await get("/v1/pending");
          document.getElementById("pending").innerHTML = pending.pending.map((p) =>
            "<tr><td>" + text(p.plotId) + "</td><td>" + text(p.coordX + ", " + p.coordZ) + "</td><td>" +
            text(p.proprietario) + "</td><td>" + text(p.attempt) + "</td><td>" + text(p.lastError) + "</td></tr>").join("");
          document.getElementById("state").textContent = "aggiornato " + new Date().toLocaleTimeString();
        } catch (err) {
          document.getElementById("state").textContent = err.message;
        }
      }

      refresh();
      setInterval(refresh, 3000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
