package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/logoslabs/logos-gateway/internal/storage"
)

func main() {
	var apiKey string
	if len(os.Args) > 1 {
		apiKey = os.Args[1]
	} else {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "sk-logos-" + hex.EncodeToString(buf)
	}

	keyHash := storage.HashKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nSeed the tenant with:")
	fmt.Printf("  INSERT INTO tenants (id, name, key_hash, rpm_limit, tpm_limit, default_profile_id)\n")
	fmt.Printf("  VALUES (1, 'example', '%s', 0, 0, '');\n", keyHash)
}
