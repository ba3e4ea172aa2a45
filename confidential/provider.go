// Package confidential wraps the opaque encrypted handles the fee ledger
// computes on. The engine only ever moves handles around and combines them
// through a Provider; it can never branch on a handle's plaintext.
package confidential

// Value is an opaque ciphertext handle. The empty string means "no value".
type Value string

// Zero reports whether the handle is unset.
func (v Value) Zero() bool { return v == "" }

// Provider is the boundary to the confidential-computation backend. Production
// deployments back this with an external coprocessor; tests and local runs use
// LocalProvider. Every operation returns a fresh handle and leaves its inputs
// untouched.
type Provider interface {
	// Encrypt turns a plaintext scalar into a handle.
	Encrypt(plain uint64) (Value, error)
	// Add combines two handles into a handle over the sum.
	Add(a, b Value) (Value, error)
	// Mul combines two handles into a handle over the product.
	Mul(a, b Value) (Value, error)
	// AddScalar adds a public scalar to a handle.
	AddScalar(v Value, k uint64) (Value, error)
	// MulScalar multiplies a handle by a public scalar.
	MulScalar(v Value, k uint64) (Value, error)
	// GrantView records that principal may later ask the decryption network
	// for the plaintext behind v. It never returns the plaintext itself.
	GrantView(v Value, principal string) error
}
