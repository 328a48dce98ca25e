package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/park285/tablutboard/internal/boardclient"
)

func main() {
	baseURL := os.Getenv("BOARD_BASE_URL")
	username := os.Getenv("BOARD_USERNAME")
	password := os.Getenv("BOARD_PASSWORD")
	rulesetName := os.Getenv("BOARD_RULESET")

	if baseURL == "" {
		log.Fatal("BOARD_BASE_URL is required")
	}

	client := boardclient.NewClient(baseURL, boardclient.WithTimeout(8*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		log.Fatalf("/healthz error: %v", err)
	}
	log.Println("/healthz ok")

	if username == "" || password == "" {
		log.Println("BOARD_USERNAME/BOARD_PASSWORD not set; skipping game check")
		return
	}
	if _, err := client.Login(ctx, username, password); err != nil {
		var serr *boardclient.StatusError
		if !errors.As(err, &serr) || serr.Status != http.StatusUnauthorized {
			log.Fatalf("/login error: %v", err)
		}
		// first run against a fresh server
		if _, err := client.Register(ctx, username, password); err != nil {
			log.Fatalf("/register error: %v", err)
		}
		log.Printf("registered %s", username)
	}

	page, err := client.StartGame(ctx, rulesetName)
	if err != nil {
		log.Fatalf("start game error: %v", err)
	}
	log.Printf("game started key=%s ruleset=%q share=%s", page.Game.Key, page.Game.Ruleset, page.ShareURL)

	ch, err := boardclient.DialChannel(ctx, client.ChannelURL(page.Token))
	if err != nil {
		log.Fatalf("channel dial error: %v", err)
	}
	defer ch.Close()

	// the server registers the socket asynchronously, so /opened is retried until an update arrives
	for {
		if _, err := client.Opened(ctx, page.Game.Key); err != nil {
			log.Fatalf("/opened error: %v", err)
		}
		wctx, wcancel := context.WithTimeout(ctx, time.Second)
		u, err := ch.Next(wctx)
		wcancel()
		if err == nil {
			log.Printf("channel ok: board=%q text=%q", u.Board, u.Text)
			return
		}
		if ctx.Err() != nil {
			log.Fatalf("no update on channel: %v", err)
		}
	}
}
