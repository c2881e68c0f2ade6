// Package provisioning manages devices on the cloud control plane: creating
// and deleting things, issuing and retiring certificates, and attaching the
// connection policy.
//
// The Client speaks the control plane's SigV4-signed REST API directly.
// Transport failures are retried with exponential backoff; rejected requests
// surface as APIError without retry. The Provisioner layers the multi-step
// device and rack workflows on top, persisting issued key material into the
// local certificate directory as it goes.
package provisioning
