// Package webhooks verifies inbound webhook signatures and signs outbound
// notification bodies. Every comparison is constant time.
package webhooks
