package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"ferry/internal/config"
	"ferry/internal/controller"
)

// tokengen creates a bearer token and prints the auth.tokens entry that grants it
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	principal := flag.String("principal", "", "principal the token authenticates as")
	actions := flag.String("actions", "read", "comma separated actions: import, export, read, cancel or *")
	flag.Parse()

	if *principal == "" {
		fmt.Println("Usage: tokengen -principal <name> [-actions import,export,read,cancel]")
		os.Exit(1)
	}

	var granted []string
	for _, a := range strings.Split(*actions, ",") {
		a = strings.TrimSpace(a)
		switch controller.Action(a) {
		case controller.ActionImport, controller.ActionExport, controller.ActionRead, controller.ActionCancel, controller.AnyAction:
			granted = append(granted, a)
		default:
			log.Fatal().Str("action", a).Msg("Unknown action")
		}
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msg("Failed to generate random token")
	}
	rawToken := base64.URLEncoding.EncodeToString(b)

	entry := map[string]config.AuthToken{
		controller.HashToken(rawToken): {Principal: *principal, Actions: granted},
	}
	snippet, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode token entry")
	}

	fmt.Println("Token:", rawToken)
	fmt.Println("Add this entry to auth.tokens in the configuration:")
	fmt.Println(string(snippet))
	fmt.Println("IMPORTANT: Save this token securely. It won't be shown again.")
}
