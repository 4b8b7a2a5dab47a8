// Package core holds the alignment domain entities, their state machines and
// the contracts implemented by stores, connectors and collaborators. Adapter
// packages depend on core; core never imports them.
package core
