package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/adaptive-backup/adaptive-backup/account"
	"github.com/adaptive-backup/adaptive-backup/transfer"
)

// clientOrigin identifies this program to the storage server, both as the
// Origin header and as the OAuth client id.
const clientOrigin = "https://adaptive-backup.dev"

var backupConfiguration struct {
	backupDir     string
	userAddress   string
	token         string
	endpoint      string
	category      string
	includePublic bool
	simultaneous  int
	logDir        string
}

var exitCode int

var backupCommand = &cobra.Command{
	Use:   "adaptive-backup",
	Short: "Back up a remote storage account into a local directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		exitCode = backupMain(cmd.Context())
	},
}

func init() {
	flags := backupCommand.Flags()
	flags.StringVarP(&backupConfiguration.backupDir, "backup-dir", "o", "", "Local directory that receives the mirror (required)")
	backupCommand.MarkFlagRequired("backup-dir") //nolint:errcheck
	flags.StringVarP(&backupConfiguration.userAddress, "user-address", "u", "", "User address (alice@host) for WebFinger discovery")
	flags.StringVarP(&backupConfiguration.token, "token", "t", "", "Bearer token; omit to be shown the authorization URL")
	flags.StringVar(&backupConfiguration.endpoint, "endpoint", "", "Storage endpoint URL, bypassing discovery")
	flags.StringVarP(&backupConfiguration.category, "category", "c", "", "Single top-level category (empty backs up the whole tree)")
	flags.BoolVarP(&backupConfiguration.includePublic, "include-public", "p", false, "With a category, also back up /public/<category>/")
	flags.IntVarP(&backupConfiguration.simultaneous, "simultaneous", "s", 9, "Concurrent transfer cap")
	flags.StringVar(&backupConfiguration.logDir, "log-dir", "", "Directory for rotating log files")
}

func backupMain(ctx context.Context) int {
	cfg := &backupConfiguration
	transfer.InitLogger(cfg.logDir, os.Getenv("ADAPTIVE_BACKUP_DEBUG") != "")

	root, err := homedir.Expand(cfg.backupDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return transfer.ExitAuth
	}

	category := transfer.SanitizeCategory(cfg.category)
	scope := "*:r"
	if category != "" {
		scope = category + ":r"
	}
	endpoint, token, code := resolveAccount(ctx, cfg.endpoint, cfg.userAddress, cfg.token, scope)
	if code != transfer.ExitOK {
		return code
	}

	fsys := afero.NewOsFs()
	if _, err := transfer.RenameAside(fsys, root); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return transfer.ExitAuth
	}

	start := time.Now()
	backup := transfer.NewBackup(transfer.NewClient(token, clientOrigin), endpoint, cfg.simultaneous, fsys, root)
	backup.Seed(category, cfg.includePublic)

	stop := transfer.InstallSignalHandler(backup.Engine, transfer.HardExitDelay)
	defer stop()

	backup.Engine.Run(ctx)
	if err := backup.Engine.Wait(ctx); err != nil {
		return transfer.ExitAbandoned
	}

	folders, documents, bytes := backup.Stats()
	fmt.Printf("total download time: %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("mirrored %d folders and %d documents (%s)\n",
		folders, documents, humanize.Bytes(uint64(bytes)))
	reportFailures(backup.Engine)
	return transfer.ExitCode(backup.Engine)
}

// resolveAccount turns the endpoint/user-address/token flags into a usable
// endpoint and bearer token, or an exit code when the run cannot start.
func resolveAccount(ctx context.Context, endpoint, userAddress, token, scope string) (string, string, int) {
	authEndpoint := ""
	if endpoint == "" {
		if userAddress == "" {
			fmt.Fprintln(os.Stderr, "error: either --user-address or --endpoint is required")
			return "", "", transfer.ExitAuth
		}
		st, err := (&account.WebFinger{}).Discover(ctx, userAddress)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return "", "", transfer.ExitAuth
		}
		endpoint = st.Endpoint
		authEndpoint = st.AuthEndpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	if token == "" {
		if authEndpoint == "" {
			fmt.Fprintln(os.Stderr, "error: no token given and the server advertises no authorization endpoint")
			return "", "", transfer.ExitAuth
		}
		authURL, err := account.AuthorizationURL(authEndpoint, clientOrigin, scope)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return "", "", transfer.ExitAuth
		}
		fmt.Fprintf(os.Stderr, "No token given. Visit the following URL, grant access, then re-run with --token:\n\n  %s\n", authURL)
		return "", "", transfer.ExitAuth
	}
	return endpoint, token, transfer.ExitOK
}

func reportFailures(eng *transfer.Engine) {
	failed := eng.FailedPaths()
	if len(failed) == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "failed paths (%d):\n", len(failed))
	for _, path := range failed {
		fmt.Fprintln(os.Stderr, "  "+path)
	}
}

func main() {
	if err := backupCommand.Execute(); err != nil {
		os.Exit(transfer.ExitAuth)
	}
	os.Exit(exitCode)
}
