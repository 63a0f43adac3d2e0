package httpx

import "github.com/google/uuid"

// genID returns a random (version 4) UUID for X-Request-ID.
func genID() string {
	return uuid.NewString()
}
