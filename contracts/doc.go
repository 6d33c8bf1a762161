// Package contracts provides the message model shared by producers, transports and the
// cross-runtime bridge.
//
// This package defines:
//   - Message: an opaque body with system headers and user properties
//   - Properties: the string-keyed property container
//   - SendResult: the immutable outcome of a successful send
//   - the error taxonomy used by every send variant
//
// Errors are sentinels matched with errors.Is. Operations wrap them in an
// *OperationError so the underlying cause stays reachable.
package contracts
