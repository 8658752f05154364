// Package udplink turns a best-effort UDP socket into a set of addressable
// logical connections.
//
// A Service owns one socket and keys Connections by remote endpoint. Each
// Connection buffers outbound packets and flushes them with at most one
// asynchronous send in flight, preserving submission order, and queues
// inbound packets in arrival order. No delivery, ordering across loss, or
// congestion guarantees are made: the layer is exactly as reliable as UDP.
//
// All Connection and Service methods must be called from a single
// goroutine, the one that drives Service.Update. Socket completions are
// dispatched inside Update, so no locking is needed around Connection state.
package udplink
