package web

// dashboardHTML is the embedded single-page dashboard served at /.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>mcpman</title>
<style>
:root {
  --bg: #0f1117;
  --surface: #1a1d27;
  --border: #2a2d3a;
  --text: #e2e8f0;
  --muted: #718096;
  --green: #48bb78;
  --red: #fc8181;
  --yellow: #f6e05e;
  --cyan: #63b3ed;
  --font: "SF Mono", "Cascadia Code", "Fira Code", "Consolas", monospace;
}
@media (prefers-color-scheme: light) {
  :root {
    --bg: #f7fafc;
    --surface: #ffffff;
    --border: #e2e8f0;
    --text: #1a202c;
    --muted: #718096;
    --green: #276749;
    --red: #c53030;
    --yellow: #975a16;
    --cyan: #2b6cb0;
  }
}
* { box-sizing: border-box; margin: 0; padding: 0; }
body {
  background: var(--bg);
  color: var(--text);
  font-family: var(--font);
  font-size: 13px;
  min-height: 100vh;
  display: flex;
  flex-direction: column;
}
header {
  display: flex;
  align-items: center;
  gap: 12px;
  padding: 12px 16px;
  border-bottom: 1px solid var(--border);
}
header h1 { font-size: 16px; font-weight: 600; letter-spacing: 0.05em; }
#status-dot {
  width: 8px;
  height: 8px;
  border-radius: 50%;
  background: var(--muted);
  transition: background 0.3s;
}
#status-dot.running { background: var(--yellow); }
#status-dot.connected { background: var(--green); }
#status-text { color: var(--muted); }
.controls { display: flex; gap: 8px; padding: 12px 16px; align-items: center; }
.controls input {
  flex: 1;
  background: var(--surface);
  color: var(--text);
  border: 1px solid var(--border);
  border-radius: 4px;
  padding: 6px 8px;
  font-family: var(--font);
}
button {
  background: var(--surface);
  color: var(--text);
  border: 1px solid var(--border);
  border-radius: 4px;
  padding: 6px 12px;
  font-family: var(--font);
  cursor: pointer;
}
button:hover { border-color: var(--cyan); }
#msg { padding: 0 16px; min-height: 18px; color: var(--muted); }
#msg.error { color: var(--red); }
#log-viewer {
  flex: 1;
  margin: 8px 16px 16px 16px;
  background: var(--surface);
  border: 1px solid var(--border);
  border-radius: 4px;
  padding: 8px;
  overflow-y: auto;
  white-space: pre-wrap;
  word-break: break-all;
}
.log-warn { color: var(--yellow); }
.log-error { color: var(--red); }
.log-success { color: var(--green); }
</style>
</head>
<body>
<header>
  <div id="status-dot"></div>
  <h1>mcpman</h1>
  <span id="status-text">stopped</span>
</header>
<div class="controls">
  <input id="token" type="password" placeholder="API token (optional when configured)">
  <button data-action="start">Start</button>
  <button data-action="stop">Stop</button>
  <button data-action="restart">Restart</button>
  <button data-action="clear-logs">Clear logs</button>
</div>
<div class="controls">
  <input id="command" type="text" placeholder="list-lights selector:all">
  <button id="send">Send</button>
</div>
<div id="msg"></div>
<div id="log-viewer"></div>
<script>
const dot = document.getElementById('status-dot');
const statusText = document.getElementById('status-text');
const msg = document.getElementById('msg');
const logViewer = document.getElementById('log-viewer');
const MAX_LOG_LINES = 1000;
let userScrolledUp = false;

logViewer.addEventListener('scroll', function() {
  const atBottom = logViewer.scrollHeight - logViewer.scrollTop <= logViewer.clientHeight + 4;
  userScrolledUp = !atBottom;
});

function showMsg(text, isError) {
  msg.textContent = text;
  msg.className = isError ? 'error' : '';
}

function renderStatus(st) {
  dot.className = st.connected ? 'connected' : (st.running ? 'running' : '');
  if (!st.running) {
    statusText.textContent = 'stopped';
  } else {
    statusText.textContent = (st.connected ? 'connected' : 'starting') + ' (pid ' + st.pid + ')';
  }
}

function appendLog(entry) {
  const line = document.createElement('div');
  line.className = 'log-' + entry.level;
  line.textContent = '[' + entry.timestamp + '] ' + entry.message;
  logViewer.appendChild(line);
  while (logViewer.childNodes.length > MAX_LOG_LINES) {
    logViewer.removeChild(logViewer.firstChild);
  }
  if (!userScrolledUp) {
    logViewer.scrollTop = logViewer.scrollHeight;
  }
}

function post(path, body) {
  return fetch(path, {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify(body || {}),
  }).then(function(r) {
    return r.json().then(function(data) {
      if (!r.ok) throw new Error(data.error || r.statusText);
      return data;
    });
  });
}

document.querySelectorAll('button[data-action]').forEach(function(btn) {
  btn.addEventListener('click', function() {
    const action = btn.getAttribute('data-action');
    if (action === 'clear-logs') logViewer.textContent = '';
    post('/api/' + action, {lifxToken: document.getElementById('token').value})
      .then(function(data) { showMsg(data.message || 'ok', false); })
      .catch(function(err) { showMsg(err.message, true); });
  });
});

document.getElementById('send').addEventListener('click', function() {
  const command = document.getElementById('command').value.trim();
  if (!command) return;
  post('/api/mcp-command', {command: command})
    .then(function(data) { showMsg(data.message + (data.content ? ': ' + data.content : ''), false); })
    .catch(function(err) { showMsg(err.message, true); });
});

function connect() {
  const es = new EventSource('/events');
  es.addEventListener('status', function(e) { renderStatus(JSON.parse(e.data)); });
  es.addEventListener('log', function(e) { appendLog(JSON.parse(e.data)); });
  es.onerror = function() {
    es.close();
    dot.className = '';
    setTimeout(connect, 2000);
  };
}
connect();
</script>
</body>
</html>
`
