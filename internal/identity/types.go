package identity

import (
	"fmt"
)

// KeyPair is the device's SSH identity. The public half is an opaque
// authorized_keys line and is forwarded to the jump server as-is.
type KeyPair struct {
	PrivateKeyPath string
	PublicKey      string
}

// KeyGenerationError is returned when the key pair cannot be created or read
type KeyGenerationError struct {
	Op     string // "stat", "mkdir", "generate" or "read"
	Path   string
	Output string // combined output of the key generation tool, if any
	Err    error
}

func (e *KeyGenerationError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("key generation failed (%s %s): %v: %s", e.Op, e.Path, e.Err, e.Output)
	}
	return fmt.Sprintf("key generation failed (%s %s): %v", e.Op, e.Path, e.Err)
}

func (e *KeyGenerationError) Unwrap() error {
	return e.Err
}
