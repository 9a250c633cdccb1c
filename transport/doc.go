// Package transport provides byte-oriented relay channels for instrument
// drivers: a TCP client for a networked port-agent relay and a directly
// attached serial port.
//
// A transport delivers raw device bytes and a loss notification through
// callbacks supplied at construction, and accepts outbound bytes through
// Send. It implements the connect/disconnect/send contract the driver package
// supervises; the relay's own control framing is out of scope here.
package transport
