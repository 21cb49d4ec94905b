package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/google/uuid"

	"tactileboard.com/collab/collab"
	"tactileboard.com/collab/protocol"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab board control.

Usage:
    collabctl join --url=<url> --board_id=<board_id> --jwt=<jwt>
        [--cache=<cache_path>]
    collabctl claims --jwt=<jwt>
    collabctl elements --url=<url> --board_id=<board_id> --jwt=<jwt>
        [--settle=<settle_s>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Board websocket endpoint.
    --board_id=<board_id>  Board id.
    --jwt=<jwt>            Your board JWT.
    --cache=<cache_path>   Local cache file.
    --settle=<settle_s>    Seconds to wait for sync [default: 5].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if claims_, _ := opts.Bool("claims"); claims_ {
		claims(opts)
	} else if elements_, _ := opts.Bool("elements"); elements_ {
		elements(opts)
	}
}

func claims(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	boardClaims, err := collab.ParseBoardClaimsUnverified(jwt)
	if err != nil {
		Err.Printf("Invalid jwt (%s).\n", err)
		return
	}
	Out.Printf("user_id=%s", boardClaims.UserId)
	Out.Printf("board_id=%s", boardClaims.BoardId)
	Out.Printf("display_name=%s", boardClaims.DisplayName)
	Out.Printf("can_edit=%t", boardClaims.CanEdit)
}

// join a board and tail status, events, and element changes
func join(opts docopt.Opts) {
	client, cache, ok := newClient(opts)
	if !ok {
		return
	}
	defer client.Close()
	if cache != nil {
		defer cache.Close()
	}

	unsubStatus := client.Session().AddStatusCallback(func(status collab.SyncStatus) {
		Out.Printf(
			"status connection=%s pending=%d queued=%t can_edit=%t",
			status.Connection,
			status.PendingUpdates,
			status.Queued,
			status.CanEdit,
		)
	})
	defer unsubStatus()

	unsubEvents := client.Session().AddEventCallback(func(event *protocol.Event) {
		Out.Printf("event %s %s", event.Type, string(event.Payload))
	})
	defer unsubEvents()

	unsubChanges := client.Store().AddChangeCallback(func(change *collab.ElementChange) {
		for _, element := range change.Elements {
			Out.Printf("element %s %s (%s)", change.Origin, element.Id, element.Kind)
		}
		for _, elementId := range change.RemovedIds {
			Out.Printf("element %s %s removed", change.Origin, elementId)
		}
	})
	defer unsubChanges()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// join, wait for sync to settle, print the board elements, exit
func elements(opts docopt.Opts) {
	client, cache, ok := newClient(opts)
	if !ok {
		return
	}
	defer client.Close()
	if cache != nil {
		defer cache.Close()
	}

	settleS, err := opts.Int("--settle")
	if err != nil {
		settleS = 5
	}
	time.Sleep(time.Duration(settleS) * time.Second)

	for _, element := range client.Store().Elements() {
		Out.Printf(
			"%s %s z=%d at (%.1f, %.1f) %gx%g",
			element.Id,
			element.Kind,
			element.ZIndex,
			element.PositionX,
			element.PositionY,
			element.Width,
			element.Height,
		)
	}
}

func newClient(opts docopt.Opts) (*collab.BoardClient, *collab.BoardCache, bool) {
	url, _ := opts.String("--url")
	boardIdStr, _ := opts.String("--board_id")
	jwt, _ := opts.String("--jwt")
	cachePath, _ := opts.String("--cache")

	boardId, err := uuid.Parse(boardIdStr)
	if err != nil {
		Err.Printf("Invalid board_id (%s).\n", err)
		return nil, nil, false
	}

	cancelCtx := context.Background()

	auth := &collab.BoardAuth{
		ByJwt:       jwt,
		DisplayName: fmt.Sprintf("collabctl %s", CollabCtlVersion),
	}

	var cache *collab.BoardCache
	if cachePath != "" {
		cache, err = collab.OpenBoardCacheWithDefaults(cancelCtx, cachePath)
		if err != nil {
			Err.Printf("Cannot open cache (%s).\n", err)
			return nil, nil, false
		}
	}

	client := collab.NewBoardClient(
		cancelCtx,
		boardId,
		auth,
		collab.WebSocketDial(url, auth.RequestHeader()),
		cache,
		nil,
		collab.DefaultBoardClientSettings(),
	)
	return client, cache, true
}
