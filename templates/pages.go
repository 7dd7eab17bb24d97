package templates

import (
	"context"
	"fmt"
	"html"
	"io"

	"videototext/internal/models"

	"github.com/a-h/templ"
)

// IndexPage renders the single-page UI: video input, language select,
// status area and transcript stream. The page talks to /tasks, /upload
// and /ws/{id}; all state logic lives server-side.
func IndexPage(tasks []models.TaskItem) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, pageHead); err != nil {
			return err
		}
		if err := taskTable(tasks).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, pageTail)
		return err
	})
}

// taskTable lists recent history records under the input form.
func taskTable(tasks []models.TaskItem) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if len(tasks) == 0 {
			_, err := io.WriteString(w, `<p class="empty">No tasks yet.</p>`)
			return err
		}
		if _, err := io.WriteString(w, `<table><thead><tr><th>Source</th><th>Status</th><th>Progress</th><th>Result</th></tr></thead><tbody>`); err != nil {
			return err
		}
		for _, task := range tasks {
			row := fmt.Sprintf(
				`<tr data-task="%s"><td title="%s">%s</td><td class="status-%s">%s</td><td>%d%%</td><td>%s</td></tr>`,
				html.EscapeString(task.ID),
				html.EscapeString(task.VideoSource),
				html.EscapeString(truncate(task.VideoSource, 48)),
				html.EscapeString(string(task.Status)),
				html.EscapeString(string(task.Status)),
				task.Progress,
				resultCell(task),
			)
			if _, err := io.WriteString(w, row); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</tbody></table>`)
		return err
	})
}

func resultCell(task models.TaskItem) string {
	if task.Status == models.StatusCompleted && task.ResultURL != "" {
		return fmt.Sprintf(`<a href="%s" target="_blank">subtitle</a>`, html.EscapeString(task.ResultURL))
	}
	return "-"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

const pageHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Video To Text</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 56rem; margin: 2rem auto; padding: 0 1rem; color: #1e293b; }
header { border-bottom: 1px solid #cbd5e1; padding-bottom: 1rem; margin-bottom: 1.5rem; }
fieldset { border: 1px solid #93c5fd; border-radius: 8px; margin-bottom: 1rem; padding: 1rem; }
input[type=text], select { width: 100%; padding: .5rem; box-sizing: border-box; }
button { background: #1d4ed8; color: white; border: 0; border-radius: 6px; padding: .6rem 1.2rem; cursor: pointer; }
#status { margin: 1rem 0; font-weight: 600; }
#segments { height: 16rem; overflow-y: auto; border: 1px solid #cbd5e1; border-radius: 6px; padding: .5rem; font-family: monospace; font-size: .85rem; }
table { width: 100%; border-collapse: collapse; margin-top: 1rem; }
th, td { text-align: left; padding: .4rem; border-top: 1px solid #e2e8f0; }
.status-completed { color: #15803d; } .status-error { color: #b91c1c; }
</style>
</head>
<body>
<header><h1>Video To Text</h1></header>
<fieldset>
<legend>Video input</legend>
<input id="video-url" type="text" placeholder="Paste a video URL">
<p>— or —</p>
<input id="video-file" type="file" accept="video/*,audio/*">
</fieldset>
<fieldset>
<legend>Language</legend>
<select id="language">
<option value="auto">Auto detect</option>
<option value="zh">Chinese</option>
<option value="en">English</option>
<option value="ja">Japanese</option>
<option value="ko">Korean</option>
</select>
</fieldset>
<button id="submit">Start transcription</button>
<div id="status"></div>
<div id="segments"></div>
<div id="actions" hidden>
<a id="download" target="_blank"><button>Download subtitle</button></a>
<button id="copy">Copy text</button>
</div>
<section>
<h2>Task history</h2>
`

const pageTail = `
</section>
<script>
(function () {
  var ws = null;
  var statusEl = document.getElementById('status');
  var segmentsEl = document.getElementById('segments');

  function watch(taskId) {
    if (ws) { ws.close(); }
    segmentsEl.innerHTML = '';
    var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
    ws = new WebSocket(proto + location.host + '/ws/' + taskId);
    ws.onmessage = function (msg) {
      var evt = JSON.parse(msg.data);
      statusEl.textContent = evt.status + (evt.progress ? ' (' + evt.progress + '%)' : '');
      if (evt.segment) {
        var div = document.createElement('div');
        div.textContent = '[' + evt.segment.start + ' → ' + evt.segment.end + '] ' + evt.segment.text;
        segmentsEl.appendChild(div);
        segmentsEl.scrollTop = segmentsEl.scrollHeight;
      }
      if (evt.status === 'completed' && evt.result_url) {
        document.getElementById('actions').hidden = false;
        document.getElementById('download').href = evt.result_url;
      }
      if (evt.status === 'error') {
        statusEl.textContent = 'error: ' + (evt.error || 'unknown');
      }
    };
  }

  document.getElementById('submit').addEventListener('click', function () {
    var url = document.getElementById('video-url').value.trim();
    var file = document.getElementById('video-file').files[0];
    var lang = document.getElementById('language').value;
    if (file) {
      var form = new FormData();
      form.append('file', file);
      form.append('languageArray', lang);
      fetch('/upload', { method: 'POST', body: form })
        .then(function (r) { return r.json(); })
        .then(function (data) { if (data.task_id) watch(data.task_id); });
      return;
    }
    if (!url) { statusEl.textContent = 'enter a URL or pick a file'; return; }
    fetch('/tasks', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ url: url, languages: [lang] })
    })
      .then(function (r) { return r.json(); })
      .then(function (data) { if (data.task_id) watch(data.task_id); });
  });

  document.getElementById('copy').addEventListener('click', function () {
    var href = document.getElementById('download').href;
    var name = href.split('/').pop();
    fetch('/api/tv/tts/srt-to-txt?file=' + encodeURIComponent(name))
      .then(function (r) { return r.text(); })
      .then(function (txt) {
        if (navigator.clipboard && navigator.clipboard.writeText) {
          return navigator.clipboard.writeText(txt);
        }
        var ta = document.createElement('textarea');
        ta.value = txt;
        document.body.appendChild(ta);
        ta.select();
        document.execCommand('copy');
        document.body.removeChild(ta);
      });
  });
})();
</script>
</body>
</html>
`
