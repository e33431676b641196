package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Hussein-Mazeh/credvault/internal/passgen"
	"github.com/Hussein-Mazeh/credvault/internal/session"
	"github.com/Hussein-Mazeh/credvault/internal/vault"
)

func runSession(args []string) error {
	fs := newFlagSet("session")
	var vf vaultFlags
	vf.register(fs)

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid arguments"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	env, err := openEnvironment(&vf)
	if err != nil {
		return err
	}
	defer env.close()

	if err := unlockInteractive(env.sess); err != nil {
		return err
	}

	fmt.Println("session unlocked; type 'help' for commands")
	return sessionLoop(env.sess)
}

func unlockInteractive(sess *session.Session) error {
	pw, err := promptPassword("Enter master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer zeroBytes(pw)

	v, err := sess.Unlock(context.Background(), string(pw))
	if err != nil {
		return unlockError(err)
	}
	if sess.Status().UpgradePending {
		fmt.Printf("vault uses %s; it will be re-encrypted with the preferred scheme on the next change\n", v.Security)
	}
	return nil
}

func sessionLoop(sess *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Print("pm> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Println()
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		var err error
		switch cmd {
		case "help":
			printSessionHelp()
		case "add":
			err = sessionAdd(ctx, sess, args)
		case "get":
			err = sessionGet(sess, args)
		case "list":
			printCredentials(sess.All(), false)
		case "search":
			printCredentials(sess.Search(strings.Join(args, " ")), false)
		case "update":
			err = sessionUpdate(ctx, sess, args)
		case "delete":
			err = sessionDelete(ctx, sess, args)
		case "generate":
			err = runGenerate(args)
		case "status":
			printStatus(sess)
		case "autolock":
			err = sessionAutoLock(sess, args)
		case "lock":
			sess.Lock()
			fmt.Println("vault locked")
		case "unlock":
			err = unlockInteractive(sess)
		case "exit", "quit":
			return nil
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		}
		if err != nil {
			handleSessionError(err)
		}
	}
}

// credentialFlags binds the editable credential fields to fs.
type credentialFlags struct {
	name, domain, url, user, email, notes string
	prompt                                bool
	generate                              int
}

func (c *credentialFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.name, "name", "", "display name")
	fs.StringVar(&c.domain, "domain", "", "site domain")
	fs.StringVar(&c.url, "url", "", "login page URL")
	fs.StringVar(&c.user, "user", "", "username")
	fs.StringVar(&c.email, "email", "", "email address")
	fs.StringVar(&c.notes, "notes", "", "free-form notes")
	fs.IntVar(&c.generate, "generate", 0, "generate a password of this length instead of prompting")
}

// secret returns the password to store, either generated or read twice
// from the terminal.
func (c *credentialFlags) secret() (string, error) {
	if c.generate > 0 {
		res, err := passgen.Generate(passgen.Options{Length: c.generate, Symbols: true})
		if err != nil {
			return "", userError{msg: err.Error()}
		}
		fmt.Printf("generated password (strength %d/4)\n", res.Score)
		return res.Password, nil
	}

	pw, err := promptPassword("Secret: ")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	defer zeroBytes(pw)
	confirm, err := promptPassword("Confirm: ")
	if err != nil {
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	defer zeroBytes(confirm)
	if string(pw) != string(confirm) {
		return "", userError{msg: "secrets do not match"}
	}
	return string(pw), nil
}

func sessionAdd(ctx context.Context, sess *session.Session, args []string) error {
	fs := newFlagSet("add")
	var cf credentialFlags
	cf.register(fs)

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid add arguments"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}
	if cf.name == "" && cf.domain == "" && cf.url == "" {
		return userError{msg: "add requires --name, --domain or --url"}
	}

	secret, err := cf.secret()
	if err != nil {
		return err
	}

	c, err := sess.SaveCredential(ctx, vault.CredentialInput{
		Name:     cf.name,
		Domain:   cf.domain,
		Username: cf.user,
		Email:    cf.email,
		Password: secret,
		URL:      cf.url,
		Notes:    cf.notes,
	})
	if err != nil {
		return err
	}
	fmt.Printf("stored credential %s for %s (id=%s)\n", c.Name, c.Domain, c.ID)
	return nil
}

func sessionGet(sess *session.Session, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: get <domain>"}
	}
	matches := sess.Credentials(args[0])
	if len(matches) == 0 {
		if sess.Status().State != session.Unlocked {
			return session.ErrVaultLocked
		}
		fmt.Fprintf(os.Stderr, "no credentials found for %s\n", args[0])
		return nil
	}
	printCredentials(matches, true)
	return nil
}

func sessionUpdate(ctx context.Context, sess *session.Session, args []string) error {
	if len(args) == 0 {
		return userError{msg: "usage: update <id> [--name ..] [--password] [--generate N]"}
	}
	id := args[0]

	fs := newFlagSet("update")
	var cf credentialFlags
	cf.register(fs)
	fs.BoolVar(&cf.prompt, "password", false, "prompt for a new password")
	if err := fs.Parse(args[1:]); err != nil {
		return userError{msg: "invalid update arguments"}
	}

	var patch vault.CredentialPatch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			patch.Name = &cf.name
		case "domain":
			patch.Domain = &cf.domain
		case "url":
			patch.URL = &cf.url
		case "user":
			patch.Username = &cf.user
		case "email":
			patch.Email = &cf.email
		case "notes":
			patch.Notes = &cf.notes
		}
	})
	if cf.prompt || cf.generate > 0 {
		secret, err := cf.secret()
		if err != nil {
			return err
		}
		patch.Password = &secret
	}

	c, err := sess.UpdateCredential(ctx, id, patch)
	if err != nil {
		return err
	}
	fmt.Printf("updated credential %s (id=%s)\n", c.Name, c.ID)
	return nil
}

func sessionDelete(ctx context.Context, sess *session.Session, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: delete <id>"}
	}
	if err := sess.DeleteCredential(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("credential deleted")
	return nil
}

func sessionAutoLock(sess *session.Session, args []string) error {
	if len(args) != 1 {
		return userError{msg: "usage: autolock <minutes|never>"}
	}
	delay := session.NeverLock
	if !strings.EqualFold(args[0], "never") {
		minutes, err := strconv.ParseFloat(args[0], 64)
		if err != nil || minutes <= 0 {
			return userError{msg: "autolock expects a positive number of minutes or never"}
		}
		delay = time.Duration(minutes * float64(time.Minute))
	}
	if err := sess.SetAutoLock(delay); err != nil {
		return userError{msg: err.Error()}
	}
	printStatus(sess)
	return nil
}

func printCredentials(list []vault.Credential, withSecrets bool) {
	if len(list) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, c := range list {
		line := fmt.Sprintf("%s  %-24s %-24s %s", c.ID, c.Name, c.Domain, c.Username)
		if withSecrets {
			line += ": " + c.Password
		}
		fmt.Println(line)
	}
}

func printStatus(sess *session.Session) {
	st := sess.Status()
	fmt.Printf("state: %s\n", st.State)
	if st.State != session.Unlocked {
		return
	}
	fmt.Printf("credentials: %d\n", st.CredentialCount)
	fmt.Printf("kdf: %s", st.Security)
	if st.UpgradePending {
		fmt.Print(" (upgrade pending)")
	}
	fmt.Println()
	if left, ok := sess.Remaining(); ok {
		fmt.Printf("auto-lock in: %s\n", left.Truncate(time.Second))
	} else {
		fmt.Println("auto-lock: never")
	}
}

func handleSessionError(err error) {
	if err == nil {
		return
	}

	var uerr userError
	var verr *vault.ValidationError
	switch {
	case errors.As(err, &uerr):
		fmt.Fprintln(os.Stderr, uerr.Error())
	case errors.Is(err, session.ErrVaultLocked):
		fmt.Fprintln(os.Stderr, "vault is locked; type 'unlock'")
	case errors.Is(err, vault.ErrNotFound):
		fmt.Fprintln(os.Stderr, "credential not found")
	case errors.As(err, &verr):
		fmt.Fprintln(os.Stderr, verr.Error())
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func printSessionHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add [--name N] [--domain D] [--url U] [--user U] [--email E] [--notes T] [--generate LEN]")
	fmt.Println("  get <domain>")
	fmt.Println("  list")
	fmt.Println("  search <query>")
	fmt.Println("  update <id> [--name N] [--domain D] [--url U] [--user U] [--email E] [--notes T] [--password] [--generate LEN]")
	fmt.Println("  delete <id>")
	fmt.Println("  generate [--length 16] [--symbols=true]")
	fmt.Println("  status")
	fmt.Println("  autolock <minutes|never>")
	fmt.Println("  lock | unlock")
	fmt.Println("  exit | quit")
}
