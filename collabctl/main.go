package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"openboard.io/collab/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

Usage:
    collabctl login --connect_url=<connect_url>
        --user_auth=<user_auth>
        [--password=<password>]
    collabctl token-info --jwt=<jwt>
    collabctl status --connect_url=<connect_url>
        [--jwt=<jwt>]
        [--doc=<document_id>]
        [--watch_seconds=<watch_seconds>]
    collabctl queue --store=<store_path>
    collabctl drain --connect_url=<connect_url> --jwt=<jwt>
        --store=<store_path>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --connect_url=<connect_url>      Host websocket url.
    --user_auth=<user_auth>
    --password=<password>
    --jwt=<jwt>                      Your host JWT.
    --doc=<document_id>              Document to join.
    --watch_seconds=<watch_seconds>  How long to watch status [default: 30].
    --store=<store_path>             Offline queue store file.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
		tokenInfo(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if queue_, _ := opts.Bool("queue"); queue_ {
		queue(opts)
	} else if drain_, _ := opts.Bool("drain"); drain_ {
		drain(opts)
	}
}

func login(opts docopt.Opts) {
	connectUrl, _ := opts.String("--connect_url")
	userAuth, _ := opts.String("--user_auth")

	password, _ := opts.String("--password")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read password: %s", err)
		}
		password = string(passwordBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := newManager(ctx, connectUrl)
	defer manager.Close()

	if err := manager.Connect(); err != nil {
		Err.Fatalf("Could not connect to %s: %s", connectUrl, err)
	}
	if err := manager.SendAuthLogin(userAuth, password); err != nil {
		Err.Fatalf("Could not send login: %s", err)
	}
	Out.Printf("login sent to %s", connectUrl)
}

func tokenInfo(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		Err.Fatalf("Could not parse jwt: %s", err)
	}
	for claim, value := range token.Claims.(gojwt.MapClaims) {
		Out.Printf("%s: %v", claim, value)
	}

	expiresAt := collab.TokenExpiryFromJwt(jwt)
	if expiresAt.IsZero() {
		Out.Printf("expiry: none")
	} else {
		Out.Printf("expiry: %s (in %s)", expiresAt, time.Until(expiresAt))
	}
}

func status(opts docopt.Opts) {
	connectUrl, _ := opts.String("--connect_url")
	watchSeconds, _ := opts.Int("--watch_seconds")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := newManager(ctx, connectUrl)
	defer manager.Close()

	if jwt, _ := opts.String("--jwt"); jwt != "" {
		manager.SetToken(jwt, time.Time{})
	}
	if documentIdStr, _ := opts.String("--doc"); documentIdStr != "" {
		documentId, err := collab.ParseId(documentIdStr)
		if err != nil {
			Err.Fatalf("Bad document id %s: %s", documentIdStr, err)
		}
		manager.JoinDocument(documentId)
	}

	unsub := manager.AddStatusCallback(func(state collab.ConnectionState) {
		if state.ErrorMessage != "" {
			Out.Printf("%s (%s)", state.Status, state.ErrorMessage)
		} else {
			Out.Printf("%s", state.Status)
		}
	})
	defer unsub()

	manager.Connect()
	select {
	case <-time.After(time.Duration(watchSeconds) * time.Second):
	case <-ctx.Done():
	}
}

func queue(opts docopt.Opts) {
	storePath, _ := opts.String("--store")

	store := collab.NewFileQueueStore(storePath)
	operations, err := store.LoadAll()
	if err != nil {
		Err.Fatalf("Could not load queue store %s: %s", storePath, err)
	}

	offlineQueue := collab.NewOfflineQueue()
	offlineQueue.ReplaceAll(operations)

	stats := offlineQueue.GetStats()
	Out.Printf("total=%d saves=%d deletes=%d", stats.Total, stats.Saves, stats.Deletes)
	for _, operation := range offlineQueue.GetOperationsSorted() {
		line := fmt.Sprintf("%s %s %s host=%s retries=%d",
			operation.Timestamp.Format(time.RFC3339),
			operation.Type,
			operation.DocumentId,
			operation.HostId,
			operation.RetryCount,
		)
		if operation.LastError != "" {
			line = fmt.Sprintf("%s last_error=%q", line, operation.LastError)
		}
		Out.Printf("%s", line)
	}
}

func drain(opts docopt.Opts) {
	connectUrl, _ := opts.String("--connect_url")
	jwt, _ := opts.String("--jwt")
	storePath, _ := opts.String("--store")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := collab.NewFileQueueStore(storePath)
	offlineQueue := collab.NewOfflineQueue()

	manager := newManager(ctx, connectUrl)
	defer manager.Close()
	manager.SetToken(jwt, time.Time{})

	coordinator := collab.NewSyncCoordinatorWithDefaults(ctx, offlineQueue, store, manager, nil)
	coordinator.Initialize()
	defer coordinator.Destroy()

	if !offlineQueue.HasPendingOperations() {
		Out.Printf("queue is empty")
		return
	}

	coordinator.SetProvider(collab.NewConnectionProvider(manager))

	authenticated := make(chan struct{}, 1)
	unsub := manager.AddStatusCallback(func(state collab.ConnectionState) {
		if state.Status == collab.StatusAuthenticated {
			select {
			case authenticated <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if err := manager.Connect(); err != nil {
		Err.Fatalf("Could not connect to %s: %s", connectUrl, err)
	}
	select {
	case <-authenticated:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Timeout waiting for authentication")
	}

	results := coordinator.ProcessQueue(ctx)
	for _, result := range results {
		if result.Success {
			Out.Printf("%s %s ok", result.Operation.Type, result.Operation.DocumentId)
		} else {
			Out.Printf("%s %s error: %s", result.Operation.Type, result.Operation.DocumentId, result.Error)
		}
	}
	Out.Printf("%d processed, %d still pending", len(results), offlineQueue.Size())
}

func newManager(ctx context.Context, connectUrl string) *collab.ConnectionManager {
	settings := collab.DefaultConnectionSettings()
	settings.AutoReconnect = false
	return collab.NewConnectionManager(ctx, connectUrl, nil, nil, settings)
}
