// Package core assembles the apilinker runtime: configuration layering, the
// mapping engine, retry and circuit breaking, the dead-letter queue, and the
// sync runner over the configured connectors. Lower packages never import
// core.
package core
