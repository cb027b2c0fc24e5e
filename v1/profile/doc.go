// Package profile collects the access details the lock coordinator produces
// when a transaction ends. Details can be kept in memory with Recorder,
// shipped to other nodes through a syncbus Bus with BusSink, and streamed to
// HTTP clients over Server-Sent Events or WebSocket.
package profile
