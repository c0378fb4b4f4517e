package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Vision Alert</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #111; color: #eee; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 12px; }
        .title { font-size: 22px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; background: #444; font-size: 13px; }
        .badge.active { background: #1b7f3a; }
        .badge.error { background: #a12626; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .panel h2 { margin: 0 0 8px; font-size: 16px; }
        #stream { width: 100%; height: auto; background: #000; display: block; }
        .row { display: flex; gap: 8px; align-items: center; margin: 6px 0; }
        button { background: #2d5bd7; color: #fff; border: 0; border-radius: 4px; padding: 6px 12px; cursor: pointer; }
        button.secondary { background: #555; }
        ul { list-style: none; padding: 0; margin: 0; }
        li { padding: 4px 0; border-bottom: 1px solid #2a2a2a; font-size: 14px; }
        .notice { color: #f0c040; font-size: 13px; }
        .speaking { color: #5fd38d; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Vision Alert</div>
            <span class="badge" id="camera-badge">connecting...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live Feed</h2>
                <img id="stream" src="/stream" alt="Live camera preview with detection overlay">
                <div class="row">
                    <button type="button" id="btn-start">Start camera</button>
                    <button type="button" id="btn-stop" class="secondary">Stop camera</button>
                    <span id="camera-message" class="notice"></span>
                </div>
            </div>

            <div>
                <div class="panel">
                    <h2>Detections</h2>
                    <ul id="detections"><li>none</li></ul>
                    <p id="speech" class="speaking"></p>
                </div>

                <div class="panel">
                    <h2>Settings</h2>
                    <div class="row">
                        <label for="confidence">Confidence</label>
                        <input type="range" id="confidence" min="0" max="1" step="0.05">
                        <span id="confidence-value"></span>
                    </div>
                    <div class="row">
                        <label for="persistence">Persistence</label>
                        <input type="number" id="persistence" min="1" max="10" style="width:4em">
                    </div>
                    <div class="row">
                        <label><input type="checkbox" id="tts"> Speak alerts</label>
                    </div>
                    <div class="row">
                        <button type="button" id="btn-save">Apply</button>
                    </div>
                </div>

                <div class="panel">
                    <h2>Still image</h2>
                    <form id="upload" class="row">
                        <input type="file" name="file" accept="image/jpeg,image/png">
                        <button type="submit">Detect</button>
                    </form>
                    <img id="annotated" style="width:100%;display:none;" alt="Annotated still image">
                </div>

                <div class="panel">
                    <h2>Recording</h2>
                    <div class="row">
                        <button type="button" id="btn-rec-start">Record</button>
                        <button type="button" id="btn-rec-stop" class="secondary">Stop</button>
                        <span id="rec-status"></span>
                    </div>
                </div>

                <div class="panel">
                    <h2>Notices</h2>
                    <ul id="notices"></ul>
                </div>
            </div>
        </div>
    </div>

    <script>
    (function () {
        const $ = (id) => document.getElementById(id);
        const player = new Audio();
        let ws = null;

        function post(url, body) {
            return fetch(url, {
                method: 'POST',
                headers: {'Content-Type': 'application/json'},
                body: body === undefined ? undefined : JSON.stringify(body),
            }).then((r) => r.json());
        }

        function renderStatus(st) {
            const badge = $('camera-badge');
            badge.textContent = st.camera.state;
            badge.className = 'badge ' + (st.camera.state === 'active' ? 'active' : st.camera.state === 'error' ? 'error' : '');
            $('camera-message').textContent = st.camera.message || '';
            if (document.activeElement.tagName !== 'INPUT') {
                $('confidence').value = st.settings.confidence;
                $('confidence-value').textContent = st.settings.confidence.toFixed(2);
                $('persistence').value = st.settings.persistence;
                $('tts').checked = st.settings.tts_enabled;
            }
            $('speech').textContent = st.speaking ? 'speaking (' + st.queue_depth + ' queued)' : '';
        }

        function renderDetections(result) {
            const list = $('detections');
            list.innerHTML = '';
            if (!result.detections || result.detections.length === 0) {
                list.innerHTML = '<li>none</li>';
                return;
            }
            for (const d of result.detections) {
                const li = document.createElement('li');
                li.textContent = d.class + ' ' + Math.round(d.confidence * 100) + '%';
                list.appendChild(li);
            }
        }

        function addNotice(n) {
            const li = document.createElement('li');
            li.className = 'notice';
            li.textContent = new Date(n.at).toLocaleTimeString() + ' ' + n.message;
            const list = $('notices');
            list.prepend(li);
            while (list.children.length > 10) list.removeChild(list.lastChild);
        }

        function announce(a) {
            const ack = () => {
                if (ws && ws.readyState === WebSocket.OPEN) {
                    ws.send(JSON.stringify({type: 'playback_ended', id: a.id}));
                }
            };
            if (!a.audio) { ack(); return; }
            player.onended = ack;
            player.onerror = ack;
            player.src = a.audio;
            player.play().catch(ack);
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(proto + location.host + '/ws');
            ws.onmessage = (msg) => {
                const ev = JSON.parse(msg.data);
                switch (ev.type) {
                    case 'status': renderStatus(ev.status); break;
                    case 'detections': renderDetections(ev.detections); break;
                    case 'announcement': announce(ev.announcement); break;
                    case 'notice': addNotice(ev.notice); break;
                }
            };
            ws.onclose = () => setTimeout(connect, 2000);
        }

        $('confidence').oninput = () => { $('confidence-value').textContent = Number($('confidence').value).toFixed(2); };
        $('btn-start').onclick = () => post('/api/camera/start').then((r) => { if (r.error) addNotice({at: Date.now(), message: r.error}); });
        $('btn-stop').onclick = () => post('/api/camera/stop');
        $('btn-save').onclick = () => post('/api/settings', {
            confidence: Number($('confidence').value),
            persistence: Number($('persistence').value),
            tts_enabled: $('tts').checked,
        }).then((r) => { if (r.error) addNotice({at: Date.now(), message: r.error}); });

        $('upload').onsubmit = (e) => {
            e.preventDefault();
            fetch('/api/detect?overlay=1', {method: 'POST', body: new FormData($('upload'))})
                .then((r) => r.ok ? r.blob() : r.json().then((j) => Promise.reject(j.error)))
                .then((blob) => { const img = $('annotated'); img.src = URL.createObjectURL(blob); img.style.display = 'block'; })
                .catch((err) => addNotice({at: Date.now(), message: String(err)}));
        };

        function refreshRecording() {
            fetch('/api/recording/status').then((r) => r.json()).then((st) => {
                $('rec-status').textContent = st.recording ? st.filename + ' (' + st.entry_count + ' entries)' : '';
            });
        }
        $('btn-rec-start').onclick = () => post('/api/recording/start').then(refreshRecording);
        $('btn-rec-stop').onclick = () => post('/api/recording/stop').then(refreshRecording);

        connect();
        refreshRecording();
    })();
    </script>
</body>
</html>
`
