// Command password-hash prints a bcrypt hash suitable for the users table.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"backoffice-api/internal/auth"
)

func main() {
	password := flag.String("password", "", "plain password to hash; read from stdin when empty")
	cost := flag.Int("cost", envCost(), "bcrypt cost (defaults to BCRYPT_COST or 12)")
	flag.Parse()

	plain := *password
	if plain == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "password is required")
			os.Exit(2)
		}
		plain = strings.TrimRight(line, "\r\n")
	}
	if plain == "" {
		fmt.Fprintln(os.Stderr, "password is required")
		os.Exit(2)
	}

	hash, err := auth.NewPasswordHasher(*cost).Hash(plain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func envCost() int {
	value, err := strconv.Atoi(strings.TrimSpace(os.Getenv("BCRYPT_COST")))
	if err != nil || value <= 0 {
		return auth.DefaultBcryptCost
	}
	return value
}
