// Command echohubctl administers an EchoHub deployment: schema migrations,
// user accounts, channels, access tokens and re-encryption of legacy
// plaintext messages.
//
// Settings come from a TOML file in the XDG config directory
// (echohub/echohubctl.toml), overridable by ECHOHUB_* environment variables.
// DB_DSN, ENCRYPTION_KEY and JWT_SECRET are honoured as well so the CLI can
// share the server's environment.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
