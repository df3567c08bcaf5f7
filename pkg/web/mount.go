package web

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/provider"
	"github.com/getmockd/portmux/pkg/transform"
)

// Static serves the files below a root directory.
type Static struct {
	root string
}

// Serve returns the file at rel. Directories serve their index.html.
func (s *Static) Serve(rel string) (*transform.File, error) {
	full := filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+rel)))
	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
	}
	if err != nil || info.IsDir() {
		return nil, &exchange.Error{
			Status:  http.StatusNotFound,
			Code:    exchange.CodeNoEndpoint,
			Message: "file not found: /" + strings.TrimPrefix(rel, "/"),
		}
	}
	return &transform.File{Path: full}, nil
}

// Mount serves dir under prefix with GET. Mounts live in their own set
// behind a lower priority filter, so registered endpoints under the same
// prefix win over files. Mounts survive Reload.
func (f *Facade) Mount(prefix, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("mount %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount %s: %s is not a directory", prefix, dir)
	}

	prefix = "/" + strings.Trim(prefix, "/")
	rest := strings.TrimSuffix(prefix, "/") + "/{path...}"
	static := &Static{root: dir}
	decl := endpoint.Declaration{
		Type:     reflect.TypeFor[*Static](),
		Method:   "Serve",
		Group:    http.MethodGet,
		Params:   []endpoint.ParamHint{{Index: 0, Source: endpoint.SourcePath, Name: "path"}},
		Provider: provider.Singleton(static),
		Facets: map[string]string{
			endpoint.FacetProtocol: Name,
			endpoint.FacetFile:     dir,
			endpoint.FacetSummary:  "static files from " + dir,
		},
	}

	files := decl
	files.Pattern = rest
	// The bare prefix has no path slot; its pass-through parameter is empty.
	index := decl
	index.Pattern = prefix
	index.Params = nil
	_, err = f.static.Register(endpoint.Of(index, files))
	return err
}

// Mounts returns the static file endpoints.
func (f *Facade) Mounts() *endpoint.Set { return f.static }
