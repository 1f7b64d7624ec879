// Command roundtrip runs either end of a frame round trip: an engine server
// that answers input frames over WebSocket, or a client that captures frames,
// submits them through the latest-wins pipeline and records the results.
package main
