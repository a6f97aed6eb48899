package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>rwsplit Dashboard</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;
  --text-muted:#8b949e;--primary:#58a6ff;
  --green:#3fb950;--red:#f85149;--yellow:#d29922;
  --radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px}
.header-inner{max-width:1100px;margin:0 auto;display:flex;align-items:center;gap:16px}
.header-title{font-size:20px;font-weight:700}
.badge{display:inline-flex;align-items:center;gap:6px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border);margin-left:auto}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.container{max-width:1100px;margin:0 auto;padding:24px}
.cards{display:grid;grid-template-columns:repeat(auto-fit,minmax(160px,1fr));gap:12px;margin-bottom:24px}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:16px}
.card .label{font-size:12px;color:var(--text-muted);text-transform:uppercase;letter-spacing:.04em}
.card .value{font-size:26px;font-weight:700;margin-top:4px}
h2{font-size:15px;margin:24px 0 8px;color:var(--text-muted)}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:8px 12px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);font-weight:600}
tr:last-child td{border-bottom:none}
.role-primary{color:var(--green);font-weight:600}
.role-replica{color:var(--primary)}
.role-relay{color:var(--yellow)}
.role-down{color:var(--red)}
</style>
</head>
<body>
<header>
  <div class="header-inner">
    <div class="header-title">rwsplit</div>
    <span id="health-badge" class="badge">…</span>
  </div>
</header>
<div class="container">
  <div class="cards">
    <div class="card"><div class="label">To primary</div><div class="value" id="c-primary">–</div></div>
    <div class="card"><div class="label">To replicas</div><div class="value" id="c-replicas">–</div></div>
    <div class="card"><div class="label">Broadcast</div><div class="value" id="c-all">–</div></div>
    <div class="card"><div class="label">Session cmds</div><div class="value" id="c-sescmd">–</div></div>
    <div class="card"><div class="label">Re-routes</div><div class="value" id="c-reroutes">–</div></div>
  </div>

  <h2>Servers</h2>
  <table>
    <thead><tr><th>Name</th><th>Address</th><th>Role</th><th>Lag (ms)</th></tr></thead>
    <tbody id="servers-body"></tbody>
  </table>

  <h2>Sessions</h2>
  <table>
    <thead><tr><th>ID</th><th>User</th><th>Client</th><th>Primary</th><th>Backends</th><th>In txn</th><th>Pinned</th><th>Sescmds</th></tr></thead>
    <tbody id="sessions-body"></tbody>
  </table>
</div>
<script>
async function getJSON(path){const r=await fetch(path);return r.json()}
function esc(s){const d=document.createElement('div');d.textContent=String(s??'');return d.innerHTML}

async function refresh(){
  try{
    const [health,counters,servers,sessions]=await Promise.all([
      getJSON('/health'),getJSON('/counters'),getJSON('/servers'),getJSON('/sessions')]);

    const badge=document.getElementById('health-badge');
    badge.textContent=health.status;
    badge.className='badge badge-'+(health.status==='healthy'?'healthy':'unhealthy');

    document.getElementById('c-primary').textContent=counters.queries_to_primary;
    document.getElementById('c-replicas').textContent=counters.queries_to_replicas;
    document.getElementById('c-all').textContent=counters.queries_to_all;
    document.getElementById('c-sescmd').textContent=counters.session_commands;
    document.getElementById('c-reroutes').textContent=counters.reroutes;

    document.getElementById('servers-body').innerHTML=(servers||[]).map(s=>
      '<tr><td>'+esc(s.name)+'</td><td>'+esc(s.address)+'</td>'+
      '<td class="role-'+esc(s.role)+'">'+esc(s.role)+'</td><td>'+esc(s.lag_ms)+'</td></tr>').join('');

    document.getElementById('sessions-body').innerHTML=(sessions||[]).map(s=>
      '<tr><td>'+esc(s.id)+'</td><td>'+esc(s.username)+'</td><td>'+esc(s.client_addr)+'</td>'+
      '<td>'+esc(s.current_primary)+'</td><td>'+esc(s.backends_in_use)+'</td>'+
      '<td>'+(s.in_transaction?'yes':'')+'</td><td>'+(s.locked_to_master?'yes':'')+'</td>'+
      '<td>'+esc(s.session_commands)+'</td></tr>').join('');
  }catch(e){/* transient fetch failure, retry on next tick */}
}
refresh();
setInterval(refresh,3000);
</script>
</body>
</html>`
