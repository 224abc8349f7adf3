// Command hash-password produces an Argon2id hash suitable for the
// password field of a proxy user entry in config.yaml.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"

	"egress-proxy/internal/proxy"
)

// Parameters follow the RFC 9106 second recommended option (64 MiB, one
// pass). They are embedded in the hash string, so changing them here does
// not invalidate existing config entries.
const (
	hashMemory      = 64 * 1024
	hashIterations  = 1
	hashParallelism = 4
	saltLength      = 16
	keyLength       = 32
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: hash-password <password>")
	}
	password := args[0]

	hash, err := generateHash(password)
	if err != nil {
		return err
	}

	// Round-trip through the verifier the proxies use, so a printed hash
	// is guaranteed to be accepted at authentication time.
	match, err := proxy.VerifyPassword(password, hash)
	if err != nil || !match {
		return fmt.Errorf("generated hash failed self-verification: %v", err)
	}

	fmt.Println(hash)
	fmt.Fprintln(os.Stderr, "Paste the full string into the user's 'password' field in config.yaml.")
	return nil
}

func generateHash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, hashIterations, hashMemory, hashParallelism, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, hashMemory, hashIterations, hashParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}
