package ui

// Minimal server-rendered shells. The real frontend lives in the editor
// containers; these pages only cover login and the landing dashboard.

const loginHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
  <main style="max-width:24rem;margin:10vh auto;font-family:system-ui">
    <h1>Sign in</h1>
    <p><a href="/login/github">Continue with GitHub</a></p>
    <p><a href="/login/google">Continue with Google</a></p>
    <form onsubmit="sendLink(event)">
      <input id="email" type="email" placeholder="you@example.com" required>
      <button type="submit">Email me a magic link</button>
    </form>
    <p id="status"></p>
  </main>
  <script>
    async function sendLink(ev) {
      ev.preventDefault();
      const resp = await fetch('/auth/magic-link', {
        method: 'POST',
        headers: {'Content-Type': 'application/json'},
        body: JSON.stringify({email: document.getElementById('email').value})
      });
      document.getElementById('status').textContent =
        resp.ok ? 'Check your inbox.' : 'Could not send the link.';
    }
  </script>
</body>
</html>`

const dashboardHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Dashboard</title></head>
<body>
  <main style="max-width:40rem;margin:8vh auto;font-family:system-ui">
    <h1>Welcome, {{username}}</h1>
    <p><a href="/u/{{userId}}/">Open your workspace</a></p>
    <form method="post" action="/logout"><button type="submit">Sign out</button></form>
  </main>
</body>
</html>`

const sandboxHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sandbox</title></head>
<body>
  <main style="max-width:40rem;margin:8vh auto;font-family:system-ui">
    <h1>Sandbox</h1>
    <p>A scratch environment that resets between sessions.</p>
  </main>
</body>
</html>`
