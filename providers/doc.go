// Package providers holds the connector building blocks shared by the
// built-in integrations in its subpackages.
package providers
