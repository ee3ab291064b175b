// Command tokengen mints a signed session token for local testing. It reads
// the signing secret and issuer from the same configuration as the server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/bazaar-hub/gatekeeper/internal/auth"
	"github.com/bazaar-hub/gatekeeper/internal/config"
	"github.com/bazaar-hub/gatekeeper/internal/ids"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", os.Getenv(config.PathEnvVar), "path to YAML config file")
		subject    = flag.String("sub", "", "subject (user id); random when empty")
		email      = flag.String("email", "dev@example.com", "email claim")
		role       = flag.String("role", string(auth.RoleUser), "role claim")
		level      = flag.String("level", string(auth.LevelBasic), "account level claim")
		status     = flag.String("status", string(auth.StatusActive), "account status claim")
		perms      = flag.String("perms", "", "comma-separated explicit permissions")
		ttl        = flag.Duration("ttl", 0, "token lifetime (default: auth.access_ttl)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *ttl <= 0 {
		*ttl = cfg.Auth.AccessTTL
	}
	issuer, err := auth.NewTokenIssuer(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer), auth.WithAccessTTL(*ttl))
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}

	lvl, ok := auth.ParseAccountLevel(*level)
	if !ok {
		log.Fatalf("unknown account level %q", *level)
	}
	st, ok := auth.ParseStatus(*status)
	if !ok {
		log.Fatalf("unknown status %q", *status)
	}
	if *subject == "" {
		*subject = ids.New()
	}
	var explicit []string
	if *perms != "" {
		explicit = strings.Split(*perms, ",")
	}

	token, exp, err := issuer.Issue(auth.User{
		ID:           *subject,
		Email:        *email,
		Role:         auth.Role(*role),
		AccountLevel: lvl,
		Status:       st,
		Permissions:  explicit,
	})
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "subject=%s role=%s level=%s expires=%s\n", *subject, *role, lvl, exp.Format("2006-01-02T15:04:05Z07:00"))
}
