package node

import "errors"

// Error kinds surfaced through completion callbacks. Parse errors live in
// the wire package, transport errors in the transport package, membership
// rejections in the conn package and signature failures in the sentinel.
var (
	ErrNoBootstrapPeer  = errors.New("no bootstrap peer")
	ErrInvalidAuthority = errors.New("invalid authority")
	ErrCancelled        = errors.New("operation cancelled")
)
