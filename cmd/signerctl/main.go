package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/ruteri/nostr-signing-agent/api"
	"github.com/ruteri/nostr-signing-agent/api/clients"
	"github.com/ruteri/nostr-signing-agent/cmd/flags"
	"github.com/ruteri/nostr-signing-agent/httpserver"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const passwordEnvVar = "SIGNER_PASSWORD"

var (
	ok   = color.GreenString("✓")
	fail = color.RedString("✗")
)

// readPassword prompts on the terminal without echo. SIGNER_PASSWORD takes
// precedence so the tool can be scripted.
func readPassword(prompt string) (string, error) {
	if pw := os.Getenv(passwordEnvVar); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("stdin is not a terminal, set %s", passwordEnvVar)
	}

	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// newClient builds a client, minting a short-lived control token when a
// control secret is configured.
func newClient(cCtx *cli.Context) (*clients.SignerClient, error) {
	var token string
	if secret := cCtx.String(flags.ControlSecretFlag.Name); secret != "" {
		var err error
		token, _, err = httpserver.NewControlAuth([]byte(secret), 5*time.Minute).IssueToken("signerctl")
		if err != nil {
			return nil, err
		}
	}
	return clients.NewSignerClient(cCtx.String("agent"), token), nil
}

// withClient adapts an action needing a client.
func withClient(fn func(*cli.Context, *clients.SignerClient) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		client, err := newClient(cCtx)
		if err != nil {
			return err
		}
		if err := fn(cCtx, client); err != nil {
			fmt.Fprintln(os.Stderr, fail+" "+err.Error())
			return cli.Exit("", 1)
		}
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var vaultCommands = []*cli.Command{
	{
		Name:  "status",
		Usage: "Show whether the vault is unlocked",
		Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
			unlocked, err := c.Status()
			if err != nil {
				return err
			}
			if unlocked {
				fmt.Println(ok + " Vault is " + color.GreenString("unlocked"))
			} else {
				fmt.Println(ok + " Vault is " + color.YellowString("locked"))
			}
			return nil
		}),
	},
	{
		Name:  "unlock",
		Usage: "Unlock the vault",
		Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
			pw, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			if err := c.Unlock(pw); err != nil {
				return err
			}
			fmt.Println(ok + " Vault unlocked")
			return nil
		}),
	},
	{
		Name:  "lock",
		Usage: "Lock the vault",
		Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
			if err := c.Lock(); err != nil {
				return err
			}
			fmt.Println(ok + " Vault locked")
			return nil
		}),
	},
	{
		Name:  "create",
		Usage: "Create a vault from a new or given mnemonic",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mnemonic", Usage: "BIP-39 mnemonic to restore, generated when empty"},
			&cli.StringFlag{Name: "passphrase", Usage: "optional BIP-39 passphrase"},
		},
		Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
			pw, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			resp, err := c.Create(pw, cCtx.String("mnemonic"), cCtx.String("passphrase"))
			if err != nil {
				return err
			}
			fmt.Println(ok + " Vault created for " + color.CyanString(resp.PublicKey))
			if cCtx.String("mnemonic") == "" {
				fmt.Println("Write down your mnemonic, it is shown only once:")
				fmt.Println(color.YellowString(resp.Mnemonic))
			}
			return nil
		}),
	},
	{
		Name:  "passwd",
		Usage: "Change the vault password",
		Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
			oldPw, err := readPassword("Current password: ")
			if err != nil {
				return err
			}
			newPw, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			if err := c.ChangePassword(oldPw, newPw); err != nil {
				return err
			}
			fmt.Println(ok + " Password changed")
			return nil
		}),
	},
	{
		Name:  "export",
		Usage: "Print the sealed vault, or publish it to IPFS with --ipfs",
		Flags: []cli.Flag{&cli.BoolFlag{Name: "ipfs", Usage: "publish to the agent's IPFS node and print the CID"}},
		Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
			if cCtx.Bool("ipfs") {
				cid, err := c.ExportIPFS()
				if err != nil {
					return err
				}
				fmt.Println(ok + " Published " + color.CyanString(cid))
				return nil
			}
			vault, err := c.Export()
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"vault": vault})
		}),
	},
	{
		Name:  "import",
		Usage: "Replace the stored vault with a sealed vault or an IPFS export",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "vault", Usage: "sealed vault string"},
			&cli.StringFlag{Name: "cid", Usage: "IPFS CID of a vault export"},
		},
		Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
			pw, err := readPassword("Password of the imported vault: ")
			if err != nil {
				return err
			}
			if err := c.Import(cCtx.String("vault"), cCtx.String("cid"), pw); err != nil {
				return err
			}
			fmt.Println(ok + " Vault imported, unlock it to continue")
			return nil
		}),
	},
}

var accountCommands = &cli.Command{
	Name:  "accounts",
	Usage: "Manage vault accounts",
	Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
		accounts, err := c.Accounts()
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			kind := "derived"
			if acc.Imported {
				kind = "imported"
			}
			marker := " "
			if acc.Default {
				marker = color.GreenString("*")
			}
			fmt.Printf("%s %-8s %2d %s\n", marker, kind, acc.Index, acc.Npub)
		}
		return nil
	}),
	Subcommands: []*cli.Command{
		{
			Name:  "derive",
			Usage: "Derive the next account from the mnemonic",
			Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
				pub, err := c.DeriveAccount()
				if err != nil {
					return err
				}
				fmt.Println(ok + " Derived " + color.CyanString(pub))
				return nil
			}),
		},
		{
			Name:  "import",
			Usage: "Import an nsec or hex secret key (read from the terminal)",
			Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
				fmt.Fprint(os.Stderr, "Secret key: ")
				key, err := term.ReadPassword(int(syscall.Stdin))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return err
				}
				pub, err := c.ImportAccount(string(key))
				if err != nil {
					return err
				}
				fmt.Println(ok + " Imported " + color.CyanString(pub))
				return nil
			}),
		},
		{
			Name:      "delete",
			Usage:     "Delete an imported account",
			ArgsUsage: "<index>",
			Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
				index, err := strconv.Atoi(cCtx.Args().First())
				if err != nil {
					return errors.New("index must be a number")
				}
				if err := c.DeleteImportedAccount(index); err != nil {
					return err
				}
				fmt.Println(ok + " Deleted imported account " + strconv.Itoa(index))
				return nil
			}),
		},
		{
			Name:      "default",
			Usage:     "Select the account requests are served with",
			ArgsUsage: "<pubkey>",
			Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
				if err := c.SetDefaultAccount(cCtx.Args().First()); err != nil {
					return err
				}
				fmt.Println(ok + " Default account set")
				return nil
			}),
		},
	},
}

var policyCommands = &cli.Command{
	Name:  "policies",
	Usage: "List and revoke remembered decisions",
	Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
		records, err := c.Policies()
		if err != nil {
			return err
		}
		for _, rec := range records {
			decision := color.GreenString("allow")
			if !rec.Accept {
				decision = color.RedString("deny")
			}
			scope := "forever"
			if !rec.Conditions.IsForever() {
				scope = fmt.Sprintf("kinds %v", rec.Conditions.KindList())
			}
			fmt.Printf("%-30s %-14s %s %s\n", rec.Host, rec.Type, decision, scope)
		}
		return nil
	}),
	Subcommands: []*cli.Command{
		{
			Name:      "revoke",
			Usage:     "Revoke every decision for a host, or one with --type",
			ArgsUsage: "<host>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "type", Usage: "operation type"},
				&cli.BoolFlag{Name: "deny", Usage: "revoke the deny entry instead of the allow entry"},
			},
			Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
				host := cCtx.Args().First()
				if host == "" {
					return errors.New("host is required")
				}
				var err error
				if op := cCtx.String("type"); op != "" {
					err = c.RevokePolicy(host, !cCtx.Bool("deny"), interfaces.OperationType(op))
				} else {
					err = c.RevokeHost(host)
				}
				if err != nil {
					return err
				}
				fmt.Println(ok + " Revoked")
				return nil
			}),
		},
	},
}

var requestCommand = &cli.Command{
	Name:  "request",
	Usage: "Send a caller request, e.g. to test approval",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "type", Value: string(interfaces.OpGetPublicKey), Usage: "operation type"},
		&cli.StringFlag{Name: "host", Value: "signerctl", Usage: "caller host"},
		&cli.StringFlag{Name: "params", Usage: "JSON params"},
	},
	Action: withClient(func(cCtx *cli.Context, c *clients.SignerClient) error {
		req := api.Request{
			Type: interfaces.OperationType(cCtx.String("type")),
			Host: cCtx.String("host"),
		}
		if p := cCtx.String("params"); p != "" {
			req.Params = json.RawMessage(p)
		}
		result, err := c.Request(req)
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	}),
}

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "Mint a control token for the approval UI",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour, Usage: "token lifetime"},
	},
	Action: func(cCtx *cli.Context) error {
		secret := cCtx.String(flags.ControlSecretFlag.Name)
		if secret == "" {
			return errors.New("control-secret is required")
		}
		token, exp, err := httpserver.NewControlAuth([]byte(secret), cCtx.Duration("ttl")).IssueToken("approval-ui")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, ok+" Expires "+exp.Format(time.RFC3339))
		fmt.Println(token)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:  "signerctl",
		Usage: "Control a running Nostr signing agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent",
				Value:   "http://127.0.0.1:8080",
				Usage:   "base URL of the signing agent",
				EnvVars: []string{"SIGNER_AGENT"},
			},
			flags.ControlSecretFlag,
		},
		Commands: append(vaultCommands, accountCommands, policyCommands, requestCommand, tokenCommand),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
