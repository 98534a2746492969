package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/logger"
	"github.com/stemsi/proctord/internal/service"
	"golang.org/x/term"
)

// issue-token signs a JWT for local testing and for operator dashboards
// that read the admin proctoring endpoints.
func main() {
	var (
		userID      string
		tokenType   string
		permissions string
		ttl         time.Duration
		askSecret   bool
	)
	flag.StringVar(&userID, "user", "", "User ID to put in the token (prompted when empty)")
	flag.StringVar(&tokenType, "type", string(service.TokenTypeStudent), "Token type: student or admin")
	flag.StringVar(&permissions, "perms", "", "Comma separated permissions (admin default: "+service.PermissionProctorRead+")")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_EXPIRY_HOURS)")
	flag.BoolVar(&askSecret, "ask-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	if userID == "" {
		if !term.IsTerminal(int(syscall.Stdin)) {
			log.Fatal().Msg("-user is required when stdin is not a terminal")
		}
		fmt.Fprint(os.Stderr, "Enter User ID: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		userID = strings.TrimSpace(line)
	}
	if userID == "" {
		log.Fatal().Msg("User ID is required")
	}

	if askSecret {
		fmt.Fprint(os.Stderr, "Enter JWT Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read secret")
		}
		cfg.JWTSecret = strings.TrimSpace(string(secret))
	}

	typ := service.TokenType(tokenType)
	if typ != service.TokenTypeStudent && typ != service.TokenTypeAdmin {
		log.Fatal().Str("type", tokenType).Msg("Token type must be student or admin")
	}

	var perms []string
	for _, p := range strings.Split(permissions, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	if typ == service.TokenTypeAdmin && len(perms) == 0 {
		perms = []string{service.PermissionProctorRead}
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := service.NewAuthService(cfg).IssueToken(userID, typ, perms, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	fmt.Println(token)
}
