// Command gen-token mints development tokens for the hs256 auth mode.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "dev-user", "user ID, or prefix for generated user IDs when count > 1")
		start    = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		audience = flag.String("audience", os.Getenv("AUTH0_AUDIENCE"), "aud claim")
		issuer   = flag.String("issuer", os.Getenv("AUTH_ISSUER"), "iss claim")
	)
	flag.Parse()

	ids, err := userIDs(*count, *prefix, *start, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
	opts := tokenOptions{
		Secret:   []byte(os.Getenv("AUTH_HS256_SECRET")),
		Audience: *audience,
		Issuer:   *issuer,
		TTL:      *ttl,
	}
	now := time.Now()
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if tokens[i], err = signToken(id, opts, now); err != nil {
			log.Fatalf("generate token: %v", err)
		}
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}
