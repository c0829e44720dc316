package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/arbiterhq/streamgate/client"
)

// Operator tool: publish change records into a running gateway, or tail a
// topic the way a real subscriber would.

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "publish":
		runPublish(logger, os.Args[2:])
	case "tail":
		runTail(logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: streamgate <publish|tail> [flags]")
}

func runPublish(logger *log.Logger, args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	var (
		server = fs.String("server", "http://127.0.0.1:8080", "gateway base URL")
		secret = fs.String("secret", "", "ingest secret, if the gateway requires one")
		event  = fs.String("event", "topicUpdated", "event kind")
		topic  = fs.String("topic", "", "topic identifier")
		apiKey = fs.String("api-key", "", "api key, for key-scoped events")
		data   = fs.String("data", "", "extra payload fields as a JSON object")
	)
	fs.Parse(args)

	record := map[string]any{"event": *event}
	if *topic != "" {
		record["topic"] = *topic
	}
	if *apiKey != "" {
		record["apiKey"] = *apiKey
	}
	if *data != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(*data), &extra); err != nil {
			logger.Fatal("--data is not a JSON object", "error", err)
		}
		for k, v := range extra {
			record[k] = v
		}
	}

	body, err := json.Marshal(record)
	if err != nil {
		logger.Fatal("could not encode record", "error", err)
	}

	req, err := http.NewRequest(http.MethodPost, *server+"/events", bytes.NewReader(body))
	if err != nil {
		logger.Fatal("could not build request", "error", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if *secret != "" {
		req.Header.Set("X-Streamgate-Secret", *secret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Fatal("publish failed", "error", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Fatal("publish rejected", "status", resp.Status)
	}
	logger.Info("published", "event", *event, "topic", *topic)
}

func runTail(logger *log.Logger, args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	var (
		server    = fs.String("server", "ws://127.0.0.1:8080", "gateway base URL (ws or wss)")
		apiKey    = fs.String("api-key", "", "api key to subscribe with")
		topic     = fs.String("topic", "", "explicit topic to subscribe to")
		reconnect = fs.Bool("reconnect", true, "reconnect after a drop, honoring the server retry hint")
	)
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := client.New(client.Config{
		ServerURL: *server,
		APIKey:    *apiKey,
		Topic:     *topic,
		Reconnect: *reconnect,
	})
	if err != nil {
		logger.Fatal("bad client configuration", "error", err)
	}

	go func() {
		for evt := range cl.Events() {
			switch evt.Event {
			case "connected":
				logger.Info("connected", "topics", evt.Topics, "retry_ms", evt.Retry)
			case "error":
				logger.Warn("server error", "error", evt.Error)
			default:
				logger.Info(evt.Event, "topic", evt.Topic, "raw", string(evt.Raw))
			}
		}
	}()

	if err := cl.Run(ctx); err != nil {
		logger.Fatal("stream ended", "error", err)
	}
}
