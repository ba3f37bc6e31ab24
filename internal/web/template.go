package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/nozzleflow/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"flow": func(v float64) string {
		return fmt.Sprintf("%.2f", v)
	},
	"ms": func(d time.Duration) int64 {
		return d.Milliseconds()
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>NozzleFlow</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.above, .below { color: red; font-weight: bold; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>NozzleFlow<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Pump</h2>
<table>
<tr><th>State</th><td id="pump-state" class="{{.Pump.Effective}}">{{.Pump.Effective}}</td></tr>
<tr><th>Detected</th><td id="pump-raw">{{.Pump.Raw}}</td></tr>
<tr><th>Override</th><td id="pump-override">{{.Pump.Override}}</td></tr>
<tr><th>Stabilized</th><td id="pump-stabilized">{{if .Pump.Stabilized}}yes{{else}}no{{end}}</td></tr>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Job</h2>
<table>
{{if .Job}}<tr><th>Title</th><td>{{.Job.Title}}</td></tr>
<tr><th>Events</th><td>{{.Job.Events}} ({{.Job.Ongoing}} ongoing, {{.Job.Unviewed}} unviewed)</td></tr>
{{if .Band}}<tr><th>Target</th><td>{{flow .Band.Target}} L/min ({{flow .Band.Min}} to {{flow .Band.Max}})</td></tr>{{end}}
<tr><th>Speed</th><td>{{flow .Speed}} m/s</td></tr>
{{else}}<tr><td colspan="2">No job selected</td></tr>{{end}}
</table>

{{if .Sensors}}<h2>Sensors</h2>
<table>
{{range $i, $s := .Sensors}}<tr><th>{{$s.Name}}</th><td>{{if $s.Ignored}}ignored{{else if eq (printf "%s" $s.Kind) "flowmeter"}}{{flow $s.Flow}} L/min{{else}}last pulse {{ms $s.LastPulseAge}}ms ago{{end}}</td></tr>
{{end}}</table>{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>Controller</th><td class="{{if .Controller.Connected}}connected{{else}}disconnected{{end}}">{{if not .Controller.Known}}unknown{{else if .Controller.Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
{{if .Config.Broker}}<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Opened</th><td>{{.Counts.Opened}}</td></tr>
<tr><th>Triggered</th><td>{{.Counts.Triggered}}</td></tr>
<tr><th>Closed</th><td>{{.Counts.Closed}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Interval</th><td>{{.Config.IntervalMs}}ms</td></tr>
<tr><th>Time before alert</th><td>{{.Config.TimeBeforeAlertMs}}ms</td></tr>
<tr><th>Settle</th><td>{{.Config.SettleMs}}ms</td></tr>
<tr><th>Store</th><td>{{.Config.StoreBackend}}</td></tr>
{{if .Config.DemoMode}}<tr><th>Mode</th><td>demo</td></tr>{{end}}
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var stateEl = document.getElementById("pump-state");
  var rawEl = document.getElementById("pump-raw");
  var overrideEl = document.getElementById("pump-override");
  var stabEl = document.getElementById("pump-stabilized");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(m) {
      try {
        var msg = JSON.parse(m.data);
        if (msg.type === "pumpStateChanged" || msg.type === "overriddenStateChanged" || msg.type === "isStabilizedChanged") {
          stateEl.textContent = msg.data.state;
          stateEl.className = msg.data.state;
          rawEl.textContent = msg.data.rawState;
          overrideEl.textContent = msg.data.overriddenState;
          stabEl.textContent = msg.data.isStabilized ? "yes" : "no";
        } else if (msg.type === "nozzleEventTriggered") {
          location.reload();
        }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Ready  bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Ready:    snap.Ready(),
	}
	return indexTmpl.Execute(w, data)
}
