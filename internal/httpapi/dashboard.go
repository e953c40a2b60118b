package httpapi

import (
	"html/template"
	"net/http"
)

var dialogPage = template.Must(template.New("dialog").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Prunebox dialog {{.Key}}</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 18px;
      font-weight: 600;
      cursor: pointer;
      color: #fff;
      background: var(--accent);
    }
    button.no { background: var(--danger); }
    .status { color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1 id="title">Loading dialog</h1>
      <div class="sub" id="summary"></div>
    </div>
    <div class="card" id="preview" hidden>
      <table>
        <thead><tr><th>Record</th><th>Author</th><th>Date</th><th>Payloads</th></tr></thead>
        <tbody id="rows"></tbody>
      </table>
    </div>
    <div class="card">
      <button id="yes">Back up and delete</button>
      <button id="no" class="no">Cancel</button>
      <span class="status" id="status"></span>
    </div>
  </div>
  <script>
    const key = {{.Key}};
    const token = new URLSearchParams(location.search).get("access_token") || "";
    const headers = { "Authorization": "Bearer " + token, "Content-Type": "application/json" };
    const $ = (id) => document.getElementById(id);

    async function load() {
      const res = await fetch("/v1/dialogs/" + encodeURIComponent(key), { headers });
      if (!res.ok) {
        $("title").textContent = "Dialog unavailable";
        $("summary").textContent = (await res.json()).message || res.statusText;
        return;
      }
      const body = await res.json();
      const d = body.dialog;
      if (d.kind === "preflight") {
        $("title").textContent = "Evaluate " + d.count + " selected records?";
        $("yes").textContent = "Continue";
        return;
      }
      const stats = body.preview ? body.preview.stats : d.stats;
      $("title").textContent = "Back up and delete " + stats.totalPayloads + " payloads?";
      $("summary").textContent = stats.affectedRecords + " records, " + stats.totalBytes + " bytes";
      if (body.preview) {
        $("preview").hidden = false;
        for (const row of body.preview.rows) {
          const tr = document.createElement("tr");
          for (const text of [row.title, row.author || "", row.date || "", row.payloads.map((p) => p.name).join(", ")]) {
            const td = document.createElement("td");
            td.textContent = text;
            tr.appendChild(td);
          }
          $("rows").appendChild(tr);
        }
      }
    }

    async function answer(ok) {
      const res = await fetch("/v1/dialogs/" + encodeURIComponent(key) + "/result", {
        method: "POST",
        headers,
        body: JSON.stringify({ ok }),
      });
      $("status").textContent = res.ok ? "Answer recorded." : "Answer rejected.";
      $("yes").disabled = true;
      $("no").disabled = true;
    }

    $("yes").addEventListener("click", () => answer(true));
    $("no").addEventListener("click", () => answer(false));
    load();
  </script>
</body>
</html>
`))

// handleDialogPage serves the browser shell for one dialog. The page itself
// carries no run data; it fetches the dialog with the caller's token.
func (s *Server) handleDialogPage(w http.ResponseWriter, r *http.Request, key string) {
	if !validDialogKey(key) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = dialogPage.Execute(w, struct{ Key string }{Key: key})
}

func validDialogKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
