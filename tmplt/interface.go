package tmplt

// RelayPage lists the rooms of a running relay. It expects a web.PageData.
var RelayPage = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
	<meta http-equiv="refresh" content="{{.RefreshSeconds}}">
	<title>relay-call relay</title>
	<style>
		body {
			font-family: monospace;
			background: white;
			color: black;
			margin: 40px;
			line-height: 1.6;
		}
		table {
			border-collapse: collapse;
		}
		td, th {
			border: 1px solid black;
			padding: 4px 12px;
			text-align: left;
		}
		#status {
			margin: 20px 0;
			padding: 10px;
			border: 1px solid black;
		}
	</style>
</head>
<body>
	<h1>Room relay</h1>
	<div id="status">Status: {{len .Rooms}} room(s), {{.Members}} participant(s)</div>
	{{if .Rooms}}
	<table>
		<tr><th>Room</th><th>Participants</th><th>Join URL</th></tr>
		{{range .Rooms}}
		<tr><td>{{.Name}}</td><td>{{.Members}}</td><td>{{$.Scheme}}://{{$.Host}}/rooms/{{.Name}}?identity=…</td></tr>
		{{end}}
	</table>
	{{else}}
	<p>No rooms yet. Join one with <code>relay-call call --relay-url {{.Scheme}}://{{.Host}} --room lobby</code></p>
	{{end}}
</body>
</html>
`
