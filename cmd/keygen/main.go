// Command keygen generates the secrets a gateway install needs: the
// base64 AES-256 encryption key, a hex HMAC signing secret, and
// optionally an argon2id hash for a bootstrap password.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/ztafinance/gateway/internal/crypto"
)

func main() {
	password := flag.String("password", "", "also print an argon2id hash for this password")
	flag.Parse()

	encKey, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate encryption key:", err)
		os.Exit(1)
	}

	hmacSecret := make([]byte, 32)
	if _, err := rand.Read(hmacSecret); err != nil {
		fmt.Fprintln(os.Stderr, "generate hmac secret:", err)
		os.Exit(1)
	}

	fmt.Println("ENCRYPTION_KEY=" + encKey)
	fmt.Println("JWT_SECRET_KEY=" + hex.EncodeToString(hmacSecret))

	if *password != "" {
		hasher := crypto.NewPasswordHasher(crypto.DefaultArgon2Params)
		hash, err := hasher.Hash(*password)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash password:", err)
			os.Exit(1)
		}
		fmt.Println("PASSWORD_HASH=" + hash)
	}
}
