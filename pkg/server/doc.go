// Package server assembles a portmux server from its configuration.
//
// A Server owns one listener. Every accepted connection is classified by
// the detector registry and served by the winning façade's codec. Handlers
// are registered once and reach every façade whose protocol facet they
// name:
//
//	srv, err := server.NewServer(cfg, server.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	if _, err := srv.Register(endpoint.Routes(&UserHandler{})); err != nil {
//		return err
//	}
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	defer srv.Stop(context.Background())
//
// With limits.connectionRate set, connections over the per-IP rate are
// closed before classification.
//
// The HTTP façade additionally serves the built-in endpoints under
// /_portmux: health, metrics, routes, connections and openapi.json.
package server
