package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"d2dtreasury/cmd/internal/passphrase"
	"d2dtreasury/config"
	"d2dtreasury/crypto"
	"d2dtreasury/gateway/middleware"
	"d2dtreasury/native/treasury"
	treasurydconfig "d2dtreasury/services/treasuryd/config"
)

// newPassphraseSource is replaced in tests.
var newPassphraseSource = func(envVar, label string) interface{ Get() (string, error) } {
	return passphrase.NewSource(envVar, label)
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "admin.keystore", "keystore file to create")
	passEnv := fs.String("pass-env", config.PassphraseEnv, "environment variable holding the keystore passphrase")
	light := fs.Bool("light", false, "use light scrypt parameters (tests only)")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !*force {
		if _, err := os.Stat(*out); err == nil {
			fmt.Fprintf(stderr, "Error: %s already exists (use --force to overwrite)\n", *out)
			return 1
		}
	}
	pass, err := newPassphraseSource(*passEnv, "treasury keystore passphrase").Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	strength := crypto.ScryptStandard
	if *light {
		strength = crypto.ScryptLight
	}
	if err := crypto.SaveToKeystoreWithStrength(*out, key, pass, strength); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "keystore: %s\nidentity: %s\n", *out, key.Identity())
	return 0
}

func runIdentity(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keystorePath := fs.String("keystore", "", "keystore to read")
	passEnv := fs.String("pass-env", config.PassphraseEnv, "environment variable holding the keystore passphrase")
	seed := fs.String("seed", "", "derive an identity from a seed string")
	system := fs.Bool("system", false, "print the treasury system accounts")
	developer := fs.String("developer", "", "with --system, also print this developer's escrow vault")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	switch {
	case *system:
		printIdentity(stdout, "vault", treasury.VaultIdentity)
		printIdentity(stdout, "reward_pool", treasury.RewardPoolIdentity)
		printIdentity(stdout, "platform_pool", treasury.PlatformPoolIdentity)
		if strings.TrimSpace(*developer) != "" {
			dev, err := crypto.ParseIdentity(*developer)
			if err != nil {
				fmt.Fprintf(stderr, "Error: --developer: %v\n", err)
				return 1
			}
			printIdentity(stdout, "escrow_vault", treasury.EscrowVaultIdentity(dev))
		}
	case *seed != "":
		printIdentity(stdout, "identity", crypto.DeriveIdentity([]byte(*seed)))
	case *keystorePath != "":
		pass, err := newPassphraseSource(*passEnv, "treasury keystore passphrase").Get()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		id, err := crypto.LoadIdentity(*keystorePath, pass)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printIdentity(stdout, "identity", id)
	default:
		fmt.Fprintln(stderr, "Error: one of --keystore, --seed or --system is required")
		return 1
	}
	return 0
}

func printIdentity(w io.Writer, name string, id crypto.Identity) {
	fmt.Fprintf(w, "%-14s %s  0x%s\n", name, id, id.Hex())
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "bech32 identity placed in the sub claim")
	keystorePath := fs.String("keystore", "", "take the subject from this keystore instead")
	passEnv := fs.String("pass-env", config.PassphraseEnv, "environment variable holding the keystore passphrase")
	issuer := fs.String("issuer", "treasuryd", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	scopes := fs.String("scopes", "", "comma separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := tokenSubject(*subject, *keystorePath, *passEnv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	secret, err := newPassphraseSource(treasurydconfig.EnvJWTSecret, "JWT signing secret").Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var scopeList []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopeList = append(scopeList, s)
		}
	}
	token, err := middleware.IssueToken(secret, middleware.TokenRequest{
		Subject:  id,
		Issuer:   *issuer,
		Audience: *audience,
		Scopes:   scopeList,
		TTL:      *ttl,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func tokenSubject(subject, keystorePath, passEnv string) (crypto.Identity, error) {
	switch {
	case strings.TrimSpace(subject) != "":
		return crypto.ParseIdentity(subject)
	case keystorePath != "":
		pass, err := newPassphraseSource(passEnv, "treasury keystore passphrase").Get()
		if err != nil {
			return crypto.Identity{}, err
		}
		return crypto.LoadIdentity(keystorePath, pass)
	default:
		return crypto.Identity{}, errors.New("--subject or --keystore is required")
	}
}

func runGenesisCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("genesis-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("genesis", "services/treasuryd/genesis.toml", "genesis file to validate")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(*path); err != nil {
		// Load would otherwise create a default genesis.
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	g, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ids, err := g.Identities()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "network: %s\n", g.NetworkName)
	printIdentity(stdout, "admin", ids.Admin)
	printIdentity(stdout, "dev_wallet", ids.DevWallet)
	if !ids.Guardian.IsZero() {
		printIdentity(stdout, "guardian", ids.Guardian)
	}
	fmt.Fprintf(stdout, "balances: %d\n", len(g.Balances))
	return 0
}
