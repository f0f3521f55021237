package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const SecretKeyBytesLen = 32

// Prints env lines with fresh token signing key and api key salt
func main() {
	fs := pflag.NewFlagSet("gensecret", pflag.ExitOnError)
	size := fs.IntP("bytes", "b", SecretKeyBytesLen, "Random bytes per secret")
	names := fs.StringSliceP("name", "n", []string{"SECRET_KEY", "API_KEY_SALT"}, "Env variables to generate")
	_ = fs.Parse(os.Args[1:])

	if *size < SecretKeyBytesLen {
		fmt.Fprintf(os.Stderr, "secret must be at least %d bytes\n", SecretKeyBytesLen)
		os.Exit(1)
	}

	for _, name := range *names {
		secret, err := generate(*size)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error while generating %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("%s=%s\n", name, secret)
	}
}

func generate(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
