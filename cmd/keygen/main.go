// Package main generates API key material for the gateway
// configuration: a random key and the bcrypt hash that goes into the
// apiKeys block.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/flowgate-io/flowgate/internal/auth"
)

func main() {
	key := flag.String("key", "", "Existing key to hash; omit to generate a new one")
	flag.Parse()

	plaintext := *key
	if plaintext == "" {
		generated, err := randomKey(32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		plaintext = generated
		fmt.Printf("key:  %s\n", plaintext)
	}

	hash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("hash: %s\n", hash)
}

// randomKey returns n random bytes as URL-safe base64.
func randomKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
