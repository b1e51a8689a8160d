package interfaces

import "errors"

// ErrUnauthorized wraps every identity failure so transports can map it to
// a 401 without knowing the provider.
var ErrUnauthorized = errors.New("unauthorized access")
