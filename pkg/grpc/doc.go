// Package grpc is the gRPC façade.
//
// Connections opening with the HTTP/2 client preface are served by an
// x/net HTTP/2 server. Requests with an application/grpc content type go to
// a grpc.Server without registered services: its unknown-service handler
// dispatches every message of a call, grouped as UNARY, with the full method
// name as target:
//
//	/greeter.Greeter/SayHello
//
// Messages are exchanged as google.protobuf.Struct. Inbound structs reach
// handlers as JSON bodies; replies are rendered by the proto transformer.
// Failed replies become status errors, and validation failures carry a
// BadRequest detail listing the failed parameters.
//
// Other HTTP/2 requests are handed to the fallback handler, normally the
// HTTP façade.
package grpc
