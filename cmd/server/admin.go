package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"headlesshost.io/internal/adapter"
	"headlesshost.io/internal/config"
	"headlesshost.io/internal/persistence/archive"
	psnap "headlesshost.io/internal/persistence/snapshot"
)

// adminAPI serves the loopback-only control surface.
type adminAPI struct {
	a    *adapter.Adapter
	logs *adapter.LogRing
	log  *log.Logger
	// configPath is the -config file; empty disables config writes.
	configPath string
}

func (api *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", api.get(api.state))
	mux.HandleFunc("/admin/v1/config", api.route(map[string]http.HandlerFunc{
		http.MethodGet:  api.config,
		http.MethodPost: api.writeConfig,
	}))
	mux.HandleFunc("/admin/v1/logs", api.get(api.logLines))
	mux.HandleFunc("/admin/v1/snapshots", api.get(api.snapshots))
	mux.HandleFunc("/admin/v1/start", api.post(func(rw http.ResponseWriter, r *http.Request) { api.control(rw, "start", api.a.Start) }))
	mux.HandleFunc("/admin/v1/stop", api.post(func(rw http.ResponseWriter, r *http.Request) { api.control(rw, "stop", api.a.Stop) }))
	mux.HandleFunc("/admin/v1/restart", api.post(func(rw http.ResponseWriter, r *http.Request) { api.control(rw, "restart", api.a.Restart) }))
	mux.HandleFunc("/admin/v1/snapshot", api.post(api.save))
	mux.HandleFunc("/admin/v1/snapshot/load", api.post(api.load))
}

func (api *adminAPI) route(byMethod map[string]http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h, ok := byMethod[r.Method]
		if !ok {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(rw, r)
	}
}

func (api *adminAPI) guard(method string, h http.HandlerFunc) http.HandlerFunc {
	return api.route(map[string]http.HandlerFunc{method: h})
}

func (api *adminAPI) get(h http.HandlerFunc) http.HandlerFunc  { return api.guard(http.MethodGet, h) }
func (api *adminAPI) post(h http.HandlerFunc) http.HandlerFunc { return api.guard(http.MethodPost, h) }

func (api *adminAPI) state(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, api.a.Stats())
}

func (api *adminAPI) config(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, api.a.Config())
}

// writeConfig overlays the JSON body on the config file and saves it. Values
// that come from HH_* variables stay out of the file; the running server
// keeps its settings until restarted.
func (api *adminAPI) writeConfig(rw http.ResponseWriter, r *http.Request) {
	if api.configPath == "" {
		writeJSON(rw, http.StatusConflict, map[string]any{"ok": false, "error": "server started without -config"})
		return
	}
	cfg, err := config.LoadFile(api.configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err := cfg.Validate(); err != nil {
		writeJSON(rw, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err := config.Save(api.configPath, cfg); err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	api.log.Printf("admin: wrote %s", api.configPath)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": api.configPath, "restart_required": true})
}

func (api *adminAPI) logLines(rw http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 200
	}
	writeJSON(rw, http.StatusOK, map[string]any{"lines": api.logs.Lines(n)})
}

func (api *adminAPI) snapshots(rw http.ResponseWriter, r *http.Request) {
	files, err := psnap.List(api.a.WorldDir())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	archived, err := archive.List(api.a.WorldDir())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "snapshots": files, "archives": archived})
}

func (api *adminAPI) control(rw http.ResponseWriter, op string, fn func() error) {
	if err := fn(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, adapter.ErrAlreadyRunning) || errors.Is(err, adapter.ErrNotRunning) {
			status = http.StatusConflict
		}
		api.log.Printf("admin: %s: %v", op, err)
		writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	api.log.Printf("admin: %s", op)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "state": api.a.State(), "tick": api.a.Tick()})
}

// save takes an optional ?archive=<reason> to keep the file out of pruning.
func (api *adminAPI) save(rw http.ResponseWriter, r *http.Request) {
	var (
		saved any
		err   error
	)
	if reason := strings.TrimSpace(r.URL.Query().Get("archive")); reason != "" {
		saved, err = api.a.ArchiveSnapshot(reason)
	} else {
		saved, err = api.a.SaveSnapshot()
	}
	if err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, adapter.ErrNotRunning) && !errors.Is(err, adapter.ErrNoDataDir) {
			status = http.StatusInternalServerError
		}
		writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "snapshot": saved})
}

// load takes ?path= or ?tick=; a bare file name resolves inside the world's
// snapshot directory.
func (api *adminAPI) load(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := strings.TrimSpace(q.Get("path"))
	if t := strings.TrimSpace(q.Get("tick")); path == "" && t != "" {
		tick, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad tick"})
			return
		}
		path = psnap.PathFor(api.a.WorldDir(), tick)
	}
	switch {
	case path == "", strings.EqualFold(path, "latest"):
		path = psnap.Latest(api.a.WorldDir())
	case filepath.Base(path) == path:
		path = filepath.Join(psnap.Dir(api.a.WorldDir()), path)
	}
	if path == "" {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "no snapshot found"})
		return
	}
	tick, err := api.a.LoadSnapshot(path)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, adapter.ErrNotRunning) {
			status = http.StatusConflict
		}
		writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	api.log.Printf("admin: loaded %s", path)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick, "path": path})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
