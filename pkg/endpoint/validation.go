package endpoint

import (
	"slices"
	"sync"

	"github.com/getmockd/portmux/pkg/exchange"
)

// Result is the outcome of validating one parameter.
type Result struct {
	Param   string `json:"param"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Validation aggregates the parameter validation results of one call.
// Operations receive it by declaring a *Validation parameter.
type Validation struct {
	mu      sync.Mutex
	results []Result
}

// Record adds a result.
func (v *Validation) Record(param string, valid bool, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.results = append(v.results, Result{Param: param, Valid: valid, Message: message})
}

// Results returns every recorded result in parameter order.
func (v *Validation) Results() []Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.results)
}

// Failures returns the failed results.
func (v *Validation) Failures() []Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []Result
	for _, r := range v.results {
		if !r.Valid {
			out = append(out, r)
		}
	}
	return out
}

// Valid reports whether no result failed.
func (v *Validation) Valid() bool {
	return len(v.Failures()) == 0
}

// Get returns the result for param.
func (v *Validation) Get(param string) (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.results {
		if r.Param == param {
			return r, true
		}
	}
	return Result{}, false
}

// Err returns a 400 *exchange.Error listing the failures, or nil.
func (v *Validation) Err() error {
	failures := v.Failures()
	if len(failures) == 0 {
		return nil
	}
	return exchange.BadRequest("validation failed", failures)
}
