// Package protocol defines the contract every portmux façade implements and
// the registry that manages façade lifecycles.
//
// A façade is a thin protocol binding over the server core. Handler is the
// base contract; optional capabilities are detected with type assertions:
//
//	Handler (base - all façades)
//	├── Detectable  - contributes connection detectors
//	├── Routable    - serves registered endpoints
//	└── Loggable    - accepts a logger after construction
//
// # Basic Usage
//
//	registry := protocol.NewRegistry()
//	_ = registry.Register(webFacade)
//	_ = registry.Register(mqttFacade)
//
//	for _, f := range registry.Detectors() {
//	    _ = detectors.Register(f)
//	}
//	if err := registry.StartAll(ctx); err != nil {
//	    return err
//	}
//	defer registry.StopAll(ctx, 5*time.Second)
package protocol
