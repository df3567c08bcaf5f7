package grpc

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/web"
)

// codec serves a detected HTTP/2 connection.
type codec struct {
	f *Facade
}

func (k *codec) Name() string { return Name }

// Serve runs the HTTP/2 server on c until the client goes away or the
// façade stops.
func (k *codec) Serve(c *conn.Conn) error {
	f := k.f
	server, ok := f.track(c)
	if !ok {
		return ErrNotRunning
	}
	defer f.untrack(c)

	h2 := &http2.Server{}
	h2.ServeConn(c, &http2.ServeConnOpts{
		Context: web.WithConn(c.Context(), c),
		Handler: f.route(server),
		BaseConfig: &http.Server{
			ErrorLog: slog.NewLogLogger(f.log.Handler(), slog.LevelDebug),
		},
	})
	return nil
}

// route splits gRPC calls from plain HTTP/2 requests.
func (f *Facade) route(server *grpc.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
			server.ServeHTTP(w, r)
			return
		}
		if f.fallback == nil {
			http.Error(w, ErrNoFallback.Error(), http.StatusNotFound)
			return
		}
		f.fallback.ServeHTTP(w, r)
	})
}

// frame is an undecoded message.
type frame struct {
	data []byte
}

// rawCodec leaves call messages undecoded and marshals registered services'
// messages as protobuf.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return m.data, nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("grpc: cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *frame:
		m.data = bytes.Clone(data)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("grpc: cannot unmarshal into %T", v)
}
