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

var restoreConfiguration struct {
	backupDir     string
	userAddress   string
	token         string
	endpoint      string
	category      string
	includePublic bool
	simultaneous  int
	etagAlgorithm string
	logDir        string
}

var exitCode int

var restoreCommand = &cobra.Command{
	Use:   "adaptive-restore",
	Short: "Upload a previously produced local mirror back to a remote storage account",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		exitCode = restoreMain(cmd.Context())
	},
}

func init() {
	flags := restoreCommand.Flags()
	flags.StringVarP(&restoreConfiguration.backupDir, "backup-dir", "o", "", "Local mirror to upload (required)")
	restoreCommand.MarkFlagRequired("backup-dir") //nolint:errcheck
	flags.StringVarP(&restoreConfiguration.userAddress, "user-address", "u", "", "User address (alice@host) for WebFinger discovery")
	flags.StringVarP(&restoreConfiguration.token, "token", "t", "", "Bearer token; omit to be shown the authorization URL")
	flags.StringVar(&restoreConfiguration.endpoint, "endpoint", "", "Storage endpoint URL, bypassing discovery")
	flags.StringVarP(&restoreConfiguration.category, "category", "c", "", "Single top-level category (empty restores the whole tree)")
	flags.BoolVarP(&restoreConfiguration.includePublic, "include-public", "p", false, "With a category, also restore /public/<category>/")
	flags.IntVarP(&restoreConfiguration.simultaneous, "simultaneous", "s", 10, "Concurrent transfer cap")
	flags.StringVar(&restoreConfiguration.etagAlgorithm, "etag-algorithm", transfer.DefaultETagAlgorithm, "Digest algorithm for conditional uploads (md5, sha1, sha256)")
	flags.StringVar(&restoreConfiguration.logDir, "log-dir", "", "Directory for rotating log files")
}

func restoreMain(ctx context.Context) int {
	cfg := &restoreConfiguration
	transfer.InitLogger(cfg.logDir, os.Getenv("ADAPTIVE_BACKUP_DEBUG") != "")

	root, err := homedir.Expand(cfg.backupDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return transfer.ExitAuth
	}
	if _, err := transfer.NewDigest(cfg.etagAlgorithm); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return transfer.ExitAuth
	}

	category := transfer.SanitizeCategory(cfg.category)
	scope := "*:rw"
	if category != "" {
		scope = category + ":rw"
	}
	endpoint, token, code := resolveAccount(ctx, cfg.endpoint, cfg.userAddress, cfg.token, scope)
	if code != transfer.ExitOK {
		return code
	}

	start := time.Now()
	restore := transfer.NewRestore(transfer.NewClient(token, clientOrigin), endpoint,
		cfg.simultaneous, afero.NewOsFs(), root, cfg.etagAlgorithm)

	if err := restore.WalkTree(category, cfg.includePublic); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return transfer.ExitAuth
	}

	stop := transfer.InstallSignalHandler(restore.Engine, 0)
	defer stop()

	restore.Engine.Run(ctx)
	if err := restore.Engine.Wait(ctx); err != nil {
		return transfer.ExitAbandoned
	}

	documents, upToDate, bytes := restore.Stats()
	fmt.Printf("total upload time: %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("uploaded %d documents (%s), %d already current\n",
		documents, humanize.Bytes(uint64(bytes)), upToDate)
	reportFailures(restore.Engine)
	return transfer.ExitCode(restore.Engine)
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
	if err := restoreCommand.Execute(); err != nil {
		os.Exit(transfer.ExitAuth)
	}
	os.Exit(exitCode)
}
