// Package store persists the simulator's local state: which devices exist,
// where their certificate material lives, the last-known shadow state per
// device, and the configured cloud profiles.
//
// The store doubles as the connection layer's credential source. Certificate
// paths fall back to a deterministic layout under the certificate directory
// ({id}.pem, {id}-key.pem, ca.pem) when a device has no recorded paths, so
// certificates provisioned out of band still resolve.
package store
