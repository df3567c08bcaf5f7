// Package websocket is the WebSocket façade.
//
// It does not detect connections itself: the HTTP façade hands upgrade
// requests to it through web.Upgrader. An accepted upgrade installs the
// façade's codec on the connection, which counts as a codec swap, and then
// every data message becomes a request dispatched against the façade's
// endpoints.
//
// Messages are routed by the connection's request path, unless the message
// is a JSON envelope naming a topic:
//
//	{"topic": "chat/rooms/42", "data": {"text": "hi"}}
//
// In that case the topic is the target and data is the body. Replies are
// text frames; envelope requests get envelope replies carrying the same
// topic and the reply status.
//
// The package uses github.com/coder/websocket for the protocol, with
// compression disabled.
package websocket
