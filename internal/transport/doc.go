// Package transport carries envelopes between replicas over gRPC.
//
// Server decodes and verifies inbound records before handing them to the
// engine; Pool implements engine.Sender. The caller's peer id and protocol
// version travel as call metadata.
package transport
