package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/fmip-tracker/internal/status"
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
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
	"statusOrUnknown": func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	},
	"mapURL": func(lat, lon string) string {
		return "https://www.openstreetmap.org/?mlat=" + lat + "&mlon=" + lon + "#map=16/" + lat + "/" + lon
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>FMIP Tracker</title>
<style>
body { font-family: monospace; max-width: 900px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.online { color: green; font-weight: bold; }
.offline { color: #888; }
.pending, .unregistered, .unknown { color: orange; }
.connected { color: green; }
.disconnected, .error { color: red; }
</style>
</head>
<body>
<h1>FMIP Tracker</h1>

{{range .Accounts}}
<h2>{{.ID}}</h2>
<table>
<tr><th>Interval</th><td>every {{.Interval}} min</td></tr>
<tr><th>Last poll</th><td>{{when .LastPoll}}</td></tr>
<tr><th>Last success</th><td>{{when .LastSuccess}}</td></tr>
<tr><th>Polls</th><td>{{.Polls}} ({{.Failures}} failed)</td></tr>
{{if .LastError}}<tr><th>Last error</th><td class="error">{{.LastError}}</td></tr>{{end}}
</table>
{{if .Devices}}
<table>
<tr><th>Device</th><th>Model</th><th>Battery</th><th>Status</th><th>Location</th></tr>
{{range .Devices}}<tr>
<td title="{{.DeviceID}}">{{.Name}}</td>
<td>{{.DisplayName}}</td>
<td>{{.BatteryLevel}}% ({{.BatteryStatus}})</td>
<td class="{{statusOrUnknown .Status}}">{{statusOrUnknown .Status}}</td>
<td><a href="{{mapURL .Latitude .Longitude}}">{{.Latitude}}, {{.Longitude}}</a></td>
</tr>
{{end}}</table>
{{else}}<p>No devices.</p>{{end}}
{{else}}<p>No accounts.</p>{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Config.Influx}}<tr><th>InfluxDB</th><td>{{.Config.Influx}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{when .StartTime}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">Metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has an Uptime method but the template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
