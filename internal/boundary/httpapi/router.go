// Package httpapi implements the nanny's HTTP status surface (spec C9,
// §6): /environment, /status[...], and per-child stdout/stderr/events
// dumps.
//
// Grounded on original_source/nanny/nanny_http.c (GET-only, read-only
// status endpoints; no start/stop/register mutation routes exist in the
// original, matching spec's Non-goal of an authenticated remote control
// channel) and restyled after the teacher's internal/server.Router
// (gin.New()+gin.Recovery(), a basePath-scoped route group, a thin
// errorResp JSON envelope for errors).
package httpapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nanny/internal/envvars"
	"github.com/loykin/nanny/internal/nanny"
)

// Router exposes the supervisor's read-only status surface.
type Router struct {
	sup      *nanny.Supervisor
	basePath string
}

func NewRouter(sup *nanny.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

func sanitizeBase(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	if p[0] != '/' {
		p = "/" + p
	}
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// Handler returns an http.Handler mountable in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/environment", r.handleEnvironment)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:id", r.handleStatusOne)
	group.GET("/status/:id/stdout", r.handleDump(func(c *nanny.Child) *dumpSource { return &dumpSource{c.Stdout()} }))
	group.GET("/status/:id/stderr", r.handleDump(func(c *nanny.Child) *dumpSource { return &dumpSource{c.Stderr()} }))
	group.GET("/status/:id/events", r.handleDump(func(c *nanny.Child) *dumpSource { return &dumpSource{c.Events()} }))
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

// handleEnvironment mirrors nanny_http_environ_body: the inherited OS
// environment overlaid with the well-known variables resolved through
// internal/envvars, so CHILD_PID/NANNY_PID/HTTP_PORT/etc. reflect their
// live, dynamic values rather than whatever happened to be in the
// process's environment at startup. Per spec §8's round-trip invariant,
// this must agree with what the UDP query surface reports for the same
// keys, so both read through the same singleton-child Values.
func (r *Router) handleEnvironment(c *gin.Context) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	v := envvars.Values{NannyPID: r.sup.NannyPID, HTTPPort: r.sup.HTTPPort}
	if children := r.sup.Children(); len(children) > 0 {
		v.ChildPID = children[0].Status().PID
	}
	for _, key := range envvars.WellKnownKeys() {
		if val, ok := envvars.Lookup(key, v); ok {
			env[key] = val
		}
	}

	c.JSON(http.StatusOK, gin.H{"env": env})
}

func (r *Router) handleStatusAll(c *gin.Context) {
	children := r.sup.Children()
	out := make([]nanny.Status, 0, len(children))
	for _, ch := range children {
		out = append(out, ch.Status())
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleStatusOne(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "id must be numeric"})
		return
	}
	ch := r.sup.ChildByID(id)
	if ch == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "no such child"})
		return
	}
	c.JSON(http.StatusOK, ch.Status())
}

type dumpSource struct {
	buf interface {
		DumpRaw() []byte
		DumpJSONLines() []string
	}
}

func (r *Router) handleDump(pick func(*nanny.Child) *dumpSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResp{Error: "id must be numeric"})
			return
		}
		ch := r.sup.ChildByID(id)
		if ch == nil {
			c.JSON(http.StatusNotFound, errorResp{Error: "no such child"})
			return
		}
		src := pick(ch)
		if c.Query("format") == "json" {
			c.JSON(http.StatusOK, gin.H{"lines": src.buf.DumpJSONLines()})
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", src.buf.DumpRaw())
	}
}
