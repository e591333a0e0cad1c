package console

import (
	"html/template"
	"log/slog"
	"net/http"
)

// pages holds every console view. They share the card layout; each view
// is a named template rendered through "page".
var pages = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>teadesk</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .info { font-size: 0.85rem; color: #333; margin-bottom: 1rem; }
  .secret { font-family: ui-monospace, monospace; font-size: 0.9rem; letter-spacing: 0.05em; }
  .qr { display: block; margin: 0 auto 1rem; width: 200px; height: 200px; }
  dl { font-size: 0.9rem; margin-bottom: 1.25rem; }
  dt { color: #666; font-size: 0.8rem; margin-top: 0.5rem; }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="email"], input[type="password"], input[type="text"], input[type="tel"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    outline: none;
    margin-bottom: 1rem;
  }
  input:focus { border-color: #2563eb; box-shadow: 0 0 0 2px rgba(37,99,235,0.15); }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    margin-bottom: 0.5rem;
  }
  button:hover { background: #333; }
  button.link { background: none; color: #2563eb; padding: 0.3rem; }
</style>
</head>
<body>
<div class="card">
{{template "body" .}}
</div>
</body>
</html>`))

var views = map[string]*template.Template{
	"login": view(`
  <h1>teadesk</h1>
  <p class="sub">Sign in to the back office.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="/login">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="email">Email</label>
    <input type="email" id="email" name="email" value="{{.Email}}" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
  </form>`),

	"code": view(`
  <h1>Two-factor authentication</h1>
  <p class="sub">Enter the 6-digit code from your authenticator app.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  {{template "codeform" .}}`),

	"setup": view(`
  <h1>Set up two-factor authentication</h1>
  <p class="sub">Scan the code with your authenticator app, then enter the code it shows.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <img class="qr" src="/login/setup/qr.png" alt="Provisioning QR code">
  {{if .Setup}}<p class="info">Or enter this key for <strong>{{.Setup.Account}}</strong>:<br><span class="secret">{{.Setup.GroupedSecret}}</span></p>{{end}}
  {{template "codeform" .}}`),

	"dashboard": view(`
  <h1>Back office</h1>
  <p class="sub">Signed in{{if .User}} as {{.User.Name}}{{end}}.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  {{with .User}}
  <dl>
    <dt>Email</dt><dd>{{.Email}}</dd>
    <dt>Role</dt><dd>{{.Role}}</dd>
    <dt>Bonus balance</dt><dd>{{.BonusBalance.StringFixed 2}}</dd>
    <dt>Phone</dt><dd>{{if .Phone}}{{.Phone}}{{if .PhoneVerified}} (verified){{else}} (not verified){{end}}{{else}}none{{end}}</dd>
  </dl>
  {{end}}
  {{if .AccessExpiry}}<p class="info">Access token expires {{.AccessExpiry}}.</p>{{end}}
  <form id="phone" method="POST" action="/phone/verify">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="phone-number">Verify a phone number</label>
    <input type="tel" id="phone-number" name="phone" required>
    <button type="submit">Send confirmation</button>
    <p class="info" id="phone-status"></p>
  </form>
  <form method="POST" action="/logout">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <button type="submit" class="link">Sign out</button>
  </form>
  <script>
  (function () {
    var status = document.getElementById("phone-status");
    var form = document.getElementById("phone");
    form.addEventListener("submit", function (e) {
      e.preventDefault();
      fetch("/phone/verify", {method: "POST", body: new URLSearchParams(new FormData(form)), headers: {"Accept": "application/json"}})
        .then(function (r) { return r.json(); })
        .then(function (v) {
          if (v.csrf_token) { document.querySelectorAll('input[name="csrf_token"]').forEach(function (i) { i.value = v.csrf_token; }); }
          if (v.confirm_url) { status.innerHTML = ""; var a = document.createElement("a"); a.href = v.confirm_url; a.textContent = "Confirm in the messenger"; a.target = "_blank"; status.appendChild(a); }
          else if (v.message) { status.textContent = v.message; }
        });
    });
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/events");
    ws.onmessage = function (m) {
      var ev = JSON.parse(m.data);
      if (ev.type === "session" && !ev.authenticated) { location.assign(ev.redirect || "/login"); }
      if (ev.type === "phone_verification") {
        status.textContent = ev.status === "pending" ? "Waiting for confirmation, " + ev.remaining_seconds + "s left" : ev.message;
      }
    };
  })();
  </script>`),

	// placeholder is all an unauthenticated browser ever receives from a
	// guarded route.
	"placeholder": view(`
  <p class="sub">Redirecting to <a href="{{.Location}}">sign in</a>…</p>`),
}

// view clones the layout and attaches a body.
func view(body string) *template.Template {
	t := template.Must(pages.Clone())
	template.Must(t.New("codeform").Parse(`
  <form method="POST" action="/login/code">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="code">Code</label>
    <input type="text" id="code" name="code" inputmode="numeric" pattern="[0-9]{6}" maxlength="6" autocomplete="one-time-code" required autofocus>
    <button type="submit">Verify</button>
  </form>
  <form method="POST" action="/login/restart">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <button type="submit" class="link">Start over</button>
  </form>`))
	template.Must(t.New("body").Parse(body))

	return t
}

// setPageHeaders applies the framing and caching policy shared by every
// console page.
func setPageHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.Header().Set("Cache-Control", "no-store")
}

func (s *Server) render(w http.ResponseWriter, name string, status int, data any) {
	setPageHeaders(w)
	w.WriteHeader(status)

	if err := views[name].Execute(w, data); err != nil {
		s.logger.Error("rendering page", slog.String("view", name), slog.String("error", err.Error()))
	}
}
