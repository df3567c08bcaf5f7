package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/transform"
)

// Responder answers the routes of one pattern.
type Responder struct {
	pattern   string
	priority  int
	names     []string
	responses map[string]Response
	delays    map[string]time.Duration
}

func newResponder(pattern string) *Responder {
	return &Responder{
		pattern:   pattern,
		responses: make(map[string]Response),
		delays:    make(map[string]time.Duration),
	}
}

func (rp *Responder) add(r Route) error {
	group := strings.ToUpper(r.Group)
	if group == "" {
		group = endpoint.GroupAny
	}
	first := len(rp.responses) == 0
	if _, dup := rp.responses[group]; dup {
		return fmt.Errorf("routes: %s %s declared twice", group, r.Pattern)
	}
	rp.responses[group] = r.Response
	if r.Response.Delay != "" {
		d, _ := time.ParseDuration(r.Response.Delay)
		rp.delays[group] = d
	}
	if first || r.Priority > rp.priority {
		rp.priority = r.Priority
	}
	if r.Name != "" {
		rp.names = append(rp.names, r.Name)
	}
	return nil
}

// Groups lists the groups the responder answers, sorted.
func (rp *Responder) Groups() []string {
	return slices.Sorted(maps.Keys(rp.responses))
}

func (rp *Responder) summary() string {
	if len(rp.names) > 0 {
		return strings.Join(rp.names, ", ")
	}
	kinds := make([]string, 0, len(rp.responses))
	for _, g := range rp.Groups() {
		kinds = append(kinds, g+" "+rp.responses[g].Kind())
	}
	return strings.Join(kinds, ", ")
}

// Respond answers req with the response configured for its group, or the
// group-less one.
func (rp *Responder) Respond(ctx context.Context, req *exchange.Request, resp *exchange.Response, b matching.Bindings) (any, error) {
	group := req.Group
	r, ok := rp.responses[group]
	if !ok {
		group = endpoint.GroupAny
		r, ok = rp.responses[group]
	}
	if !ok {
		return nil, exchange.MethodNotSupported(req.Group, req.Target, rp.Groups())
	}

	if d := rp.delays[group]; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if r.Status != 0 {
		resp.Status = r.Status
	}
	for k, v := range r.Headers {
		resp.Header.Set(k, v)
	}
	if r.ContentType != "" {
		resp.SetContentType(r.ContentType)
	}

	switch r.Kind() {
	case "file":
		return transform.File{Path: r.File, ContentType: r.ContentType}, nil
	case "echo":
		return echo(req, b), nil
	case "json":
		return r.JSON, nil
	}
	if r.Body == "" {
		return nil, nil
	}
	if r.ContentType != "" {
		return []byte(r.Body), nil
	}
	return r.Body, nil
}

func echo(req *exchange.Request, b matching.Bindings) map[string]any {
	out := map[string]any{
		"protocol": req.Protocol,
		"group":    req.Group,
		"target":   req.Target,
	}
	if len(b) > 0 {
		out["bindings"] = b
	}
	if len(req.Query) > 0 {
		out["query"] = req.Query
	}
	switch {
	case len(req.Body) == 0:
	case gjson.ValidBytes(req.Body):
		out["body"] = json.RawMessage(req.Body)
	default:
		out["body"] = string(req.Body)
	}
	return out
}
