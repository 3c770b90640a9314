// Package router implements the HTTP entry point: parses the
// /<prefix>/<class-kebab>/<instance>[/<tail>] grammar, resolves the target
// instance, applies CORS, and hands WebSocket upgrades to the instance.
package router

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/fly-lab/agents/internal/instance"
	"github.com/fly-lab/agents/internal/kebab"
)

// CORS configures preflight handling. A nil CORS disables it entirely,
// matching the spec's "cors: false" default.
type CORS struct {
	AllowOrigin      string
	AllowMethods     string
	AllowCredentials string
	Headers          map[string]string // overrides the defaults verbatim when non-nil
}

func DefaultCORS() *CORS {
	return &CORS{
		AllowOrigin:      "*",
		AllowMethods:     "GET, POST, HEAD, OPTIONS",
		AllowCredentials: "true",
	}
}

// OnRequest is the class-level HTTP handler for a matched, non-WS request.
// tail is the URL remainder after /<prefix>/<class>/<instance>.
type OnRequest func(w http.ResponseWriter, r *http.Request, inst *instance.Instance, tail string)

// OnUpgrade is invoked once a WS upgrade on a matched path has completed.
type OnUpgrade func(conn *websocket.Conn, inst *instance.Instance, r *http.Request)

type Router struct {
	Prefix    string
	Classes   map[string]*instance.Class // keyed by kebab-case class name
	Registry  *instance.Registry
	CORS      *CORS
	OnRequest OnRequest
	OnUpgrade OnUpgrade
}

func New(prefix string, registry *instance.Registry) *Router {
	return &Router{Prefix: prefix, Classes: make(map[string]*instance.Class), Registry: registry}
}

// RegisterClass makes class reachable at /<prefix>/<kebab(class.Name)>/....
func (rt *Router) RegisterClass(class *instance.Class) {
	rt.Classes[kebab.FromClassName(class.Name)] = class
}

// ServeHTTP implements the router's matched-or-passthrough contract: a
// non-matching path yields no response so the caller can fall back to
// another handler mounted alongside it.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) bool {
	classKebab, name, tail, ok := parsePath(rt.Prefix, r.URL.Path)
	if !ok {
		return false
	}
	class, ok := rt.Classes[classKebab]
	if !ok {
		return false
	}

	if rt.CORS != nil && r.Method == http.MethodOptions {
		rt.writeCORSHeaders(w)
		w.WriteHeader(http.StatusOK)
		return true
	}
	if rt.CORS != nil {
		rt.writeCORSHeaders(w)
	}

	inst, err := rt.Registry.Resolve(class, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return true
	}

	if isWebSocketUpgrade(r) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return true
		}
		if rt.OnUpgrade != nil {
			rt.OnUpgrade(conn, inst, r)
		}
		return true
	}

	if rt.OnRequest != nil {
		rt.OnRequest(w, r, inst, tail)
	}
	return true
}

func (rt *Router) writeCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	if rt.CORS.Headers != nil {
		for k, v := range rt.CORS.Headers {
			h.Set(k, v)
		}
		return
	}
	if rt.CORS.AllowOrigin != "" {
		h.Set("Access-Control-Allow-Origin", rt.CORS.AllowOrigin)
	}
	if rt.CORS.AllowMethods != "" {
		h.Set("Access-Control-Allow-Methods", rt.CORS.AllowMethods)
	}
	if rt.CORS.AllowCredentials != "" {
		h.Set("Access-Control-Allow-Credentials", rt.CORS.AllowCredentials)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// parsePath matches /<prefix>/<class-kebab>/<instance-name>[/<tail>].
func parsePath(prefix, path string) (classKebab, name, tail string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) < 3 || parts[0] != prefix || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	tail = ""
	if len(parts) == 4 {
		tail = parts[3]
	}
	return parts[1], parts[2], tail, true
}
