package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/driftsync/driftsync"
	"github.com/driftsync/driftsync/server"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Driftsync control.

Usage:
    syncctl token --client_id=<client_id> [--secret=<secret>]
        [--expire=<expire>]
    syncctl tail --url=<url> --jwt=<jwt> --entities=<entities>
    syncctl push --url=<url> --jwt=<jwt> --entity=<entity>
        --entity_id=<entity_id> --action=<action>
        [--field=<field>] [--value=<value>]
    syncctl get --url=<url> --jwt=<jwt> --entity=<entity>
        --entity_id=<entity_id> [--field=<field>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --client_id=<client_id>    Client id, or "new" to mint a fresh one.
    --secret=<secret>          Service jwt secret. Prompted when omitted.
    --expire=<expire>          Token lifetime, e.g. 720h. 0 means no
                               expiry [default: 720h].
    --url=<url>                Service url, e.g. http://127.0.0.1:7411
    --jwt=<jwt>                Session token from "syncctl token".
    --entities=<entities>      Comma separated entity list.
    --entity=<entity>          Entity name.
    --entity_id=<entity_id>    Entity id.
    --action=<action>          One of create, update, delete.
    --field=<field>            Field scope for a field level change.
    --value=<value>            Json value for create and update.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	initGlog()

	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if push_, _ := opts.Bool("push"); push_ {
		push(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	}
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "ERROR")
	flag.CommandLine.Parse([]string{})
}

func token(opts docopt.Opts) {
	clientIdStr, _ := opts.String("--client_id")
	var clientId driftsync.Id
	if clientIdStr == "new" {
		clientId = driftsync.NewId()
	} else {
		clientId = driftsync.RequireParseId(clientIdStr)
	}

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Printf("Enter jwt secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		fmt.Printf("\n")
		secret = string(secretBytes)
	}

	expireStr, _ := opts.String("--expire")
	expire, err := time.ParseDuration(expireStr)
	if err != nil {
		panic(err)
	}

	byJwt, err := server.MintClientToken(secret, clientId, expire)
	if err != nil {
		panic(err)
	}
	fmt.Printf("client_id: %s\n", clientId)
	fmt.Printf("jwt: %s\n", byJwt)
}

func tail(opts docopt.Opts) {
	entitiesStr, _ := opts.String("--entities")
	entities := strings.Split(entitiesStr, ",")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		select {
		case <-sigs:
			cancel()
		case <-cancelCtx.Done():
		}
	}()

	coordinator := newEngine(cancelCtx, opts, entities)
	defer coordinator.Close()

	coordinator.AddStateChangeCallback(func(oldState driftsync.ConnectionState, newState driftsync.ConnectionState) {
		fmt.Printf("# %s -> %s\n", oldState, newState)
	})
	coordinator.AddSyncReadyCallback(func() {
		fmt.Printf("# synced\n")
	})
	coordinator.AddEntityChangeCallback(func(key driftsync.RecordKey) {
		var value json.RawMessage
		var ok bool
		if key.IsField() {
			value, ok = coordinator.GetField(key.Entity, key.EntityId, key.Field)
		} else {
			value, ok = coordinator.Get(key.Entity, key.EntityId)
		}
		if ok {
			fmt.Printf("%s = %s\n", key, value)
		} else {
			fmt.Printf("%s deleted\n", key)
		}
	})
	coordinator.Connect()

	<-cancelCtx.Done()
}

func push(opts docopt.Opts) {
	entity, _ := opts.String("--entity")
	entityId, _ := opts.String("--entity_id")
	actionStr, _ := opts.String("--action")
	var field string
	if fieldAny := opts["--field"]; fieldAny != nil {
		field = fieldAny.(string)
	}
	var value json.RawMessage
	if valueAny := opts["--value"]; valueAny != nil {
		value = json.RawMessage(valueAny.(string))
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		select {
		case <-sigs:
			cancel()
		case <-cancelCtx.Done():
		}
	}()

	coordinator := newEngine(cancelCtx, opts, []string{entity})
	defer coordinator.Close()
	coordinator.Connect()

	var pushToken driftsync.Id
	var err error
	if field != "" {
		pushToken, err = coordinator.PushFieldChange(entity, entityId, field, driftsync.Action(actionStr), value)
	} else {
		pushToken, err = coordinator.PushChange(entity, entityId, driftsync.Action(actionStr), value)
	}
	if err != nil {
		panic(err)
	}
	fmt.Printf("token: %s\n", pushToken)

	// the change is committed once the ack clears it from the queue
	endTime := time.Now().Add(30 * time.Second)
	for {
		n, err := coordinator.QueueLen()
		if err == nil && n == 0 {
			fmt.Printf("committed\n")
			return
		}
		if endTime.Before(time.Now()) {
			fmt.Printf("still queued. the service was not reachable.\n")
			os.Exit(1)
		}
		select {
		case <-cancelCtx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func get(opts docopt.Opts) {
	apiUrl, _ := opts.String("--url")
	byJwt, _ := opts.String("--jwt")
	entity, _ := opts.String("--entity")
	entityId, _ := opts.String("--entity_id")
	var field string
	if fieldAny := opts["--field"]; fieldAny != nil {
		field = fieldAny.(string)
	}

	u, err := url.Parse(apiUrl)
	if err != nil {
		panic(err)
	}
	u.Path = path.Join(u.Path, "/v1/latest")
	query := u.Query()
	query.Set("entity", entity)
	query.Set("entity_id", entityId)
	if field != "" {
		query.Set("field", field)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		panic(err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		panic(err)
	}
	if r.StatusCode != http.StatusOK {
		fmt.Printf("%s\n", strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	fmt.Printf("%s\n", string(body))
}

func newEngine(ctx context.Context, opts docopt.Opts, entities []string) *driftsync.Coordinator {
	apiUrl, _ := opts.String("--url")
	byJwt, _ := opts.String("--jwt")

	auth := &driftsync.ClientAuth{
		ByJwt:      byJwt,
		AppVersion: fmt.Sprintf("syncctl %s", RequireVersion()),
	}
	store := driftsync.NewMemoryLocalStore()
	transport, err := driftsync.NewTransportManagerWithDefaults(
		ctx,
		apiUrl,
		auth,
		entities,
		driftsync.CursorFromStore(store),
	)
	if err != nil {
		panic(err)
	}
	coordinator, err := driftsync.NewCoordinatorWithDefaults(
		ctx,
		auth.RequireClientId(),
		store,
		transport,
		nil,
	)
	if err != nil {
		panic(err)
	}
	return coordinator
}

func RequireVersion() string {
	if version := os.Getenv("DRIFTSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
