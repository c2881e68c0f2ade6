// Package naming parses and classifies virtual device identifiers.
//
// Device identifiers follow the scheme {env}-{rack}-{role}, for example
// "dev-RACK01-LOCK01" or "dev-RACK01-MASTER". Classification (master vs lock)
// and rack grouping are pure functions of the identifier strings, which keeps
// the connection topology fully derivable from a device list alone.
package naming
