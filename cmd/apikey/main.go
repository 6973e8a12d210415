// Command-line utility that mints fleet API keys. Keys are pre-shared
// secrets: set the printed value as API_KEY on the orchestrator and hand
// the same value to robots and API clients. Nothing is stored anywhere,
// so a lost key is replaced, not recovered.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/cloudrpa/fleet/internal/infrastructure/keygen"
)

func main() {
	count := flag.Int("n", 1, "number of keys to generate")
	flag.Parse()

	if *count < 1 {
		log.Fatal("-n must be at least 1")
	}

	if *count > 1 {
		for i := 0; i < *count; i++ {
			key, err := keygen.Generate()
			if err != nil {
				log.Fatalf("Failed to generate API key: %v", err)
			}
			fmt.Printf("%s  key_id=%s\n", key, keygen.KeyID(key))
		}
		return
	}

	key, err := keygen.Generate()
	if err != nil {
		log.Fatalf("Failed to generate API key: %v", err)
	}

	fmt.Println("\nAPI key generated!")
	fmt.Println("----------------------------------------")
	fmt.Printf("Key ID: %s (safe to reference in logs and tickets)\n", keygen.KeyID(key))
	fmt.Println("----------------------------------------")
	fmt.Printf("\nAPI Key: %s\n\n", key)
	fmt.Println("IMPORTANT: Save this key now! It is not stored anywhere.")
	fmt.Println("----------------------------------------")
	fmt.Println("Usage example:")
	fmt.Printf("  curl -H \"Authorization: Bearer %s\" http://localhost:8080/api/v1/jobs\n", key)
}
