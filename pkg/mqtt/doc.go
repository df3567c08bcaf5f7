// Package mqtt is the MQTT façade. Connections whose first packet is an
// MQTT CONNECT are handed to an embedded mochi-mqtt broker. Every PUBLISH
// from a client is dispatched to the endpoints of group PUBLISH; a
// non-empty reply is published to the MQTT 5 response topic, or to
// "<topic>/reply" for older clients. Messages also reach ordinary
// subscribers, so the façade is a working broker.
//
// Endpoint patterns may use MQTT filters: "+" matches one level and a
// trailing "#" matches the rest.
//
//	sensors/+/temp   ->  sensors/*/temp
//	sensors/#        ->  sensors/**
package mqtt
