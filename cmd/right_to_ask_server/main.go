// Command right_to_ask_server is the thin entrypoint: load config, connect
// both database pools, run migrations, wire every component store into a
// Dispatcher, and serve. Grounded on the teacher's main(): godotenv
// overlay, pgxpool.NewWithConfig with explicit pool limits, migrations
// before serving, http.ListenAndServe with graceful-shutdown-on-signal
// omitted only because the teacher itself does not do it either.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/righttoaskorg/right-to-ask-server/internal/board"
	"github.com/righttoaskorg/right-to-ask-server/internal/censorship"
	"github.com/righttoaskorg/right-to-ask-server/internal/config"
	"github.com/righttoaskorg/right-to-ask-server/internal/dispatch"
	"github.com/righttoaskorg/right-to-ask-server/internal/email"
	"github.com/righttoaskorg/right-to-ask-server/internal/httpapi"
	"github.com/righttoaskorg/right-to-ask-server/internal/identity"
	"github.com/righttoaskorg/right-to-ask-server/internal/logging"
	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
	"github.com/righttoaskorg/right-to-ask-server/internal/schema"
	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
	"github.com/righttoaskorg/right-to-ask-server/internal/similarity"
	"github.com/righttoaskorg/right-to-ask-server/internal/similarity/vocabulary"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := env("RTA_CONFIG", "right_to_ask_config.toml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(env("RTA_DEBUG", "") == "1")
	ctx := context.Background()

	rtaPool, err := connectPool(ctx, cfg.Database.RTA, 10)
	if err != nil {
		log.Fatalf("rta db connect: %v", err)
	}
	defer rtaPool.Close()

	boardPool, err := connectPool(ctx, cfg.Database.BulletinBoard, 5)
	if err != nil {
		log.Fatalf("bulletin board db connect: %v", err)
	}
	defer boardPool.Close()

	if err := schema.MigrateBulletinBoard(ctx, boardPool); err != nil {
		log.Fatalf("bulletin board migrations: %v", err)
	}
	if err := schema.MigrateRTA(ctx, rtaPool); err != nil {
		log.Fatalf("rta migrations: %v", err)
	}

	signer, err := signing.NewServer(cfg.Signing.Public, cfg.Signing.Private)
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}

	boardClient := board.New(boardPool, signer, logger)
	identityStore := identity.New(rtaPool, logger)
	questionsStore := questions.New(rtaPool, boardClient, signer, logger)
	censorshipEngine := censorship.New(rtaPool, boardClient, questionsStore, logger)

	relay := buildRelay(cfg, logger)
	emailStore := email.New(rtaPool, boardClient, signer, relay, logger, email.Options{
		FromEmail:       cfg.Email.VerificationFromEmail,
		ReplyTo:         cfg.Email.VerificationReplyTo,
		TestingOverride: cfg.Email.TestingEmailOverride,
		Secret:          emailHashSecret(),
	})

	vocabPath := env("RTA_VOCABULARY_FILE", "")
	var vocabModel *vocabulary.Model
	if vocabPath != "" {
		vocabModel, err = vocabulary.Open(vocabPath)
		if err != nil {
			log.Fatalf("vocabulary model: %v", err)
		}
		defer vocabModel.Close()
	}

	similarityEngine, err := similarity.New(questionsStore, vocabModel, similarityTokenSecret(), similarity.Options{
		SearchCacheSize: int(cfg.SearchCacheSize),
	})
	if err != nil {
		log.Fatalf("similarity engine: %v", err)
	}

	dispatcher := &dispatch.Dispatcher{
		Identity:              identityStore,
		Questions:             questionsStore,
		Censorship:            censorshipEngine,
		Email:                 emailStore,
		Board:                 boardClient,
		Similarity:            similarityEngine,
		RequireValidatedEmail: cfg.RequireValidatedEmail,
	}

	srv := &httpapi.Server{D: dispatcher, Signer: signer, Log: logger}

	addr := env("HOST", "127.0.0.1") + ":" + env("PORT", "8080")
	logger.WithField("addr", addr).Info("right_to_ask_server: listening")
	if err := http.ListenAndServe(addr, srv.Router()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func connectPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = 55 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, err
	}
	return pool, nil
}

func buildRelay(cfg *config.Config, logger *logrus.Logger) email.Relay {
	if cfg.Email.Relay == "" {
		return email.ConsoleRelay{Log: logger}
	}
	return email.SMTPRelay{
		Addr:     cfg.Email.Relay,
		Identity: cfg.Email.SMTPCredentials.AuthenticationIdentity,
		Secret:   cfg.Email.SMTPCredentials.Secret,
	}
}

// emailHashSecret and similarityTokenSecret are process-lifetime random
// keys when no persistent secret is configured; restarting the server
// invalidates outstanding pending-proof hashes and pagination tokens,
// which is acceptable since both are short-lived by design.
func emailHashSecret() []byte { return randomSecret() }

func similarityTokenSecret() []byte { return randomSecret() }

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("generate secret: %v", err)
	}
	return b
}
