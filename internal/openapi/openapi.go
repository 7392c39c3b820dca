// Package openapi assembles one API document from the recorded route table
// and the schema fragments the components declare.
package openapi

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/morrigan-server/morrigan/internal/web"
)

// specVersion is the OpenAPI version the document declares.
const specVersion = "3.0.3"

// componentSubkeys are the reusable-object buckets merged per subkey.
var componentSubkeys = []string{
	"schemas", "responses", "parameters", "examples",
	"requestBodies", "headers", "securitySchemes", "links", "callbacks",
}

// Config wires the aggregator.
type Config struct {
	// Title and Version fill the info block.
	Title   string
	Version string
	// Router supplies the route table to walk.
	Router *web.Router
	// Fragments returns the per-component document fragments, keyed by
	// component name. May be nil.
	Fragments func() map[string]map[string]any
	Log       *slog.Logger
}

// Aggregator builds and serves the merged document. The document is
// assembled once, on first use; routes registered later are not picked up.
type Aggregator struct {
	cfg  Config
	log  *slog.Logger
	once sync.Once
	doc  map[string]any
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{cfg: cfg, log: log.With("component", "openapi")}
}

// Install mounts the document route on the given router. The route is
// public: the document describes the API, it does not expose data.
func (a *Aggregator) Install(r *web.Router) {
	r.Handle(http.MethodGet, "/api-docs", a.handleDocs, map[string]any{
		"summary": "Aggregated OpenAPI document",
		"tags":    []any{"meta"},
	})
}

func (a *Aggregator) handleDocs(w http.ResponseWriter, r *http.Request) {
	web.WriteJSON(w, http.StatusOK, a.Document())
}

// Document returns the merged document, building it on first call.
func (a *Aggregator) Document() map[string]any {
	a.once.Do(func() { a.doc = a.build() })
	return a.doc
}

func (a *Aggregator) build() map[string]any {
	doc := map[string]any{
		"openapi": specVersion,
		"info": map[string]any{
			"title":   a.cfg.Title,
			"version": a.cfg.Version,
		},
		"paths": a.paths(),
	}

	if a.cfg.Fragments == nil {
		return doc
	}
	fragments := a.cfg.Fragments()
	names := make([]string, 0, len(fragments))
	for name := range fragments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a.merge(doc, name, fragments[name])
	}
	return doc
}

// paths turns each recorded route into a {method: operation} entry. Routes
// without a declared operation get a stub so the document stays complete.
func (a *Aggregator) paths() map[string]any {
	paths := make(map[string]any)
	for _, rt := range a.cfg.Router.Routes() {
		item, ok := paths[rt.Pattern].(map[string]any)
		if !ok {
			item = make(map[string]any)
			paths[rt.Pattern] = item
		}
		op := rt.Doc
		if op == nil {
			op = map[string]any{"description": "Undocumented operation."}
		}
		item[strings.ToLower(rt.Method)] = op
	}
	return paths
}

// merge folds one component fragment into the document. Reusable-object
// buckets merge per subkey with last writer winning; security and tags
// concatenate. Anything else in a fragment is dropped with a warning.
func (a *Aggregator) merge(doc map[string]any, name string, fragment map[string]any) {
	for key, value := range fragment {
		switch key {
		case "components":
			sub, ok := value.(map[string]any)
			if !ok {
				a.log.Warn("fragment components is not an object", "component", name)
				continue
			}
			a.mergeComponents(doc, name, sub)
		case "security", "tags":
			items, ok := value.([]any)
			if !ok {
				a.log.Warn("fragment key is not an array", "component", name, "key", key)
				continue
			}
			existing, _ := doc[key].([]any)
			doc[key] = append(existing, items...)
		default:
			a.log.Warn("fragment key not mergeable", "component", name, "key", key)
		}
	}
}

func (a *Aggregator) mergeComponents(doc map[string]any, name string, sub map[string]any) {
	target, ok := doc["components"].(map[string]any)
	if !ok {
		target = make(map[string]any)
		doc["components"] = target
	}
	for _, bucket := range componentSubkeys {
		value, ok := sub[bucket]
		if !ok {
			continue
		}
		entries, ok := value.(map[string]any)
		if !ok {
			a.log.Warn("fragment bucket is not an object", "component", name, "bucket", bucket)
			continue
		}
		merged, ok := target[bucket].(map[string]any)
		if !ok {
			merged = make(map[string]any)
			target[bucket] = merged
		}
		for k, v := range entries {
			merged[k] = v
		}
	}
}
