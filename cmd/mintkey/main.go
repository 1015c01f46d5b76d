// Command mintkey creates an API principal and prints its key. The secret
// is shown exactly once; only its bcrypt hash is stored.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/stayware/lodgemap/internal/database"
	"github.com/stayware/lodgemap/internal/model"
	"github.com/stayware/lodgemap/internal/store"
)

func main() {
	godotenv.Load()

	dbPath := flag.String("db", envDefault("LODGEMAP_DB_PATH", "lodgemap.db"), "path to the job database")
	name := flag.String("name", "", "principal name (required)")
	admin := flag.Bool("admin", false, "grant the admin role")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "mintkey: -name is required")
		flag.Usage()
		os.Exit(2)
	}

	db, err := database.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mintkey: open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	keyID := "lk_" + randomHex(8)
	secret := randomHex(24)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mintkey: hash secret: %v\n", err)
		os.Exit(1)
	}

	role := model.RoleMember
	if *admin {
		role = model.RoleAdmin
	}

	p, err := store.NewPrincipalStore(db).Create(*name, keyID, string(hash), role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mintkey: create principal: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("principal %d (%s, role %s) created\n", p.ID, p.Name, p.Role)
	fmt.Printf("API key (shown once, store it now):\n\n  %s.%s\n\n", keyID, secret)
	fmt.Println(`use it as "Authorization: Bearer <key>"`)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "mintkey: read random: %v\n", err)
		os.Exit(1)
	}
	return hex.EncodeToString(buf)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
