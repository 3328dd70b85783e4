package sshsession

// AuthType selects the SSH authentication method a connect request uses.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
)

// Credentials holds just-in-time decrypted authentication material. Zero
// must be called as soon as authentication completes (success or
// failure), per spec §4.2 and §9 "Credential lifetime" — the struct is
// never logged and the plaintext slot is scrubbed before the first
// suspend point after use.
type Credentials struct {
	Type       AuthType
	Password   []byte
	PrivateKey []byte
	Passphrase []byte
}

// Zero overwrites every secret byte slice in place. Safe to call more
// than once.
func (c *Credentials) Zero() {
	zero(c.Password)
	zero(c.PrivateKey)
	zero(c.Passphrase)
	c.Password = nil
	c.PrivateKey = nil
	c.Passphrase = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
