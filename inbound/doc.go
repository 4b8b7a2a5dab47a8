// Package inbound verifies provider webhooks and turns them into canonical
// events.
//
// A delivery that passes signature verification is always acknowledged.
// Mapping and storage failures after that point are parked in the DLQ and
// recovered by the retry scheduler.
package inbound
