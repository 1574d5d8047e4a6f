package auth

import "errors"

// ErrInvalidToken is wrapped by every token rejection. Callers answer 401.
var ErrInvalidToken = errors.New("invalid token")
