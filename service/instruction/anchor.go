package instruction

import (
	"crypto/sha256"
	"fmt"

	"github.com/near/borsh-go"
)

// DiscriminatorSize is the length of an Anchor method discriminator.
const DiscriminatorSize = 8

// Discriminator returns the Anchor method selector: the first eight bytes of
// sha256("global:<name>").
func Discriminator(name string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [DiscriminatorSize]byte
	copy(out[:], sum[:DiscriminatorSize])
	return out
}

// AnchorData encodes an Anchor method call: the discriminator followed by the
// borsh-serialized args. A nil args encodes a method without arguments.
func AnchorData(name string, args interface{}) ([]byte, error) {
	disc := Discriminator(name)
	if args == nil {
		return disc[:], nil
	}

	payload, err := borsh.Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize args for %s: %w", name, err)
	}
	return append(disc[:], payload...), nil
}
