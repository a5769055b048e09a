package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/template"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/replywell/chatkit-creds/pkg/chatkit"
	"github.com/replywell/chatkit-creds/pkg/metrics"
	"github.com/replywell/chatkit-creds/pkg/server"
	"github.com/replywell/chatkit-creds/pkg/session"
	"github.com/replywell/chatkit-creds/pkg/store"
	"github.com/replywell/chatkit-creds/pkg/transcript"
)

var (
	upstreamAddr    = kingpin.Flag("upstream-addr", "Upstream API address, e.g. https://api.openai.com").Default(chatkit.DefaultBaseURL).String()
	apiKey          = kingpin.Flag("api-key", "Upstream API key").Envar("OPENAI_API_KEY").String()
	apiKeyFile      = kingpin.Flag("api-key-file", "Path to a file holding the upstream API key").String()
	workflow        = kingpin.Flag("workflow", "Workflow id sessions are created for").Required().String()
	user            = kingpin.Flag("user", "Device or visitor id attached to created sessions").String()
	fileUpload      = kingpin.Flag("file-upload", "Enable attachment upload in created sessions").Default("false").Bool()
	upstreamTimeout = kingpin.Flag("upstream-timeout", "Network timeout for upstream calls").Default("30s").Duration()

	storePath  = kingpin.Flag("store-path", "Directory for the persisted credential store").Default("/var/run/chatkit-creds").String()
	sessionKey = kingpin.Flag("session-key", "Store key for this panel's credential").Default("default").String()
	sessionTTL = kingpin.Flag("session-ttl", "Validity window for credentials without an explicit expiry").Default("5m").Duration()
	cooldown   = kingpin.Flag("cooldown", "Minimum spacing between session creation attempts").Default("2s").Duration()

	listen        = kingpin.Flag("listen", "Address to serve the session proxy on").Default(":8080").String()
	webhookURL    = kingpin.Flag("webhook-url", "Webhook to relay support handoffs to").String()
	renewInterval = kingpin.Flag("renew-interval", "Interval to renew the session").Default("4m").Duration()
	gatewayAddr   = kingpin.Flag("pushgateway-addr", "Prometheus pushgateway address").String()

	templateFile = kingpin.Flag("template", "Path to template file rendered with the credential").ExistingFile()
	out          = kingpin.Flag("out", "Output file name").String()

	transcriptsFrom   = kingpin.Flag("transcripts-from", "Export transcripts starting this date (YYYY-MM-DD) and exit").String()
	transcriptsTo     = kingpin.Flag("transcripts-to", "Export transcripts up to this date (YYYY-MM-DD)").String()
	transcriptsSource = kingpin.Flag("transcripts-source", "Only export conversations from this source").String()

	jsonOutput = kingpin.Flag("json-log", "Output log in JSON format").Default("false").Bool()
)

var (
	SHA = ""
)

func main() {
	kingpin.Parse()

	if *jsonOutput {
		log.SetFormatter(&log.JSONFormatter{})
	}

	logger := log.WithFields(log.Fields{"gitSHA": SHA})
	logger.Infof("started application")

	client := chatkit.NewClient(&chatkit.Config{
		BaseURL:    *upstreamAddr,
		APIKey:     readAPIKey(),
		Workflow:   *workflow,
		User:       *user,
		FileUpload: *fileUpload,
		Timeout:    *upstreamTimeout,
	})

	if *transcriptsFrom != "" {
		exportTranscripts(client)
		return
	}

	fileStore := store.NewFileStore(afero.NewOsFs(), *storePath)
	cache := session.NewCache(client, fileStore, *sessionKey, *sessionTTL, *cooldown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cred, err := cache.Acquire(ctx, "")
	if err != nil {
		log.Fatal("error acquiring session: ", err)
	}

	if *templateFile != "" {
		renderCredential(cred)
	}

	gateway := metrics.NewPushGateway(*gatewayAddr)
	errChan := make(chan int, 1)

	manager := session.NewRefreshManager(cache, *renewInterval, gateway)
	manager.Run(ctx, errChan)

	threads := session.NewThreadCache(0)
	srv := server.New(cache, threads, gateway, *webhookURL)
	httpServer := &http.Server{Addr: *listen, Handler: srv.Routes()}

	go func() {
		log.Infof("serving session proxy on %s", *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("server error: %s", err)
			errChan <- 1
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	status := 0
	select {
	case <-c:
	case status = <-errChan:
	}

	log.Infof("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("error shutting down server: %s", err)
	}
	cancel()

	if status != 0 {
		os.Exit(status)
	}
}

func readAPIKey() string {
	if *apiKeyFile != "" {
		bytes, err := os.ReadFile(*apiKeyFile)
		if err != nil {
			log.Fatal("error reading api key: ", err)
		}
		return strings.TrimSpace(string(bytes))
	}
	if *apiKey == "" {
		log.Fatal("an api key is required, set --api-key or --api-key-file")
	}
	return *apiKey
}

func renderCredential(cred *session.Credential) {
	t, err := template.ParseFiles(*templateFile)
	if err != nil {
		log.Fatal("error opening template:", err)
	}

	if *out != "" {
		file, err := os.OpenFile(*out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			log.Fatal(err)
		}
		defer file.Close()

		if err := t.Execute(file, cred); err != nil {
			log.Fatal("error rendering template: ", err)
		}
		log.Printf("wrote credential to %s", file.Name())
	} else {
		if err := t.Execute(os.Stdout, cred); err != nil {
			log.Fatal("error rendering template: ", err)
		}
	}
}

func exportTranscripts(client *chatkit.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conversations, err := client.ListConversations(ctx, chatkit.ConversationQuery{
		StartDate: *transcriptsFrom,
		EndDate:   *transcriptsTo,
		Source:    *transcriptsSource,
	})
	if err != nil {
		log.Fatal("error fetching conversations: ", err)
	}

	text := transcript.FormatAll(conversations)
	if *out != "" {
		if err := os.WriteFile(*out, []byte(text), 0600); err != nil {
			log.Fatal("error writing transcripts: ", err)
		}
		log.Printf("wrote transcripts to %s", *out)
	} else {
		fmt.Print(text)
	}
}
