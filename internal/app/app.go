package app

import (
	"context"
	"io"
	"strconv"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
	commonhttp "taxfiler/internal/common/http"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/config"
	"taxfiler/internal/crypto"
	"taxfiler/internal/locks"
	"taxfiler/internal/oauth2"
	"taxfiler/internal/orchestrator"
	"taxfiler/internal/redis"
	"taxfiler/internal/resilience"
	"taxfiler/internal/saga"
	"taxfiler/internal/session"
	"taxfiler/internal/storage"
	"taxfiler/internal/submission"

	// storage backends register themselves
	_ "taxfiler/internal/storage/postgres"
	_ "taxfiler/internal/storage/sqlite"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Storage     storage.Storage
	Encryptor   *crypto.Encryptor
	Session     *session.Session
	Profile     *storage.Profile
	RedisClient *redis.Client
	Tokens      *oauth2.Manager
	Connection  *oauth2.Resolver
	Authority   *authority.Client
	Sagas       *saga.Engine
	Flow        *ConsoleFlow
	Auth        *orchestrator.Orchestrator
	Submissions *submission.Wrapper
	Logger      logging.Logger

	in  io.Reader
	out io.Writer
}

// New wires every component in dependency order. Stored credentials are
// checked once on the way up; an unusable token set is cleared.
func New(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
		in:     in,
		out:    out,
	}

	if err := app.initializeStorage(); err != nil {
		return nil, err
	}

	if err := app.initializeRedis(); err != nil {
		app.Close()
		return nil, err
	}

	if err := app.initializeTokens(ctx); err != nil {
		app.Close()
		return nil, err
	}

	app.initializeAuthority()

	if err := app.initializeSagas(); err != nil {
		app.Close()
		return nil, err
	}

	app.initializeSubmissions()
	return app, nil
}

func (a *App) initializeStorage() error {
	enc, err := crypto.NewEncryptor(a.Config.EncryptionKey)
	if err != nil {
		return errors.Wrap(errors.KindConfig, "failed to initialize encryption", err)
	}
	a.Encryptor = enc

	store, err := storage.New(a.Config, enc)
	if err != nil {
		return err
	}
	a.Storage = store
	a.Profile = storage.NewProfile(store)
	a.Session = session.New()

	a.Logger.Info("Storage initialized", logging.String("type", a.Config.DatabaseType))
	return nil
}

// initializeRedis connects only when a component is configured to use it
func (a *App) initializeRedis() error {
	if !a.Config.NeedsRedis() {
		return nil
	}

	db, _ := strconv.Atoi(a.Config.RedisDB)
	poolSize, _ := strconv.Atoi(a.Config.RedisPoolSize)

	client, err := redis.NewClient(&redis.Config{
		Address:  a.Config.RedisAddress,
		Password: a.Config.RedisPassword,
		DB:       db,
		PoolSize: poolSize,
	})
	if err != nil {
		return errors.ConnectionError("failed to connect to redis", err)
	}
	a.RedisClient = client

	a.Logger.Info("Redis connected",
		logging.String("address", a.Config.RedisAddress),
		logging.String("token_store", a.Config.TokenStore),
		logging.String("saga_lock", a.Config.SagaLock))
	return nil
}

func (a *App) initializeTokens(ctx context.Context) error {
	var store oauth2.TokenStore
	if a.Config.TokenStore == "redis" {
		store = oauth2.NewRedisTokenStore(a.RedisClient, a.Encryptor)
	} else {
		store = oauth2.NewSettingsTokenStore(a.Storage, a.Encryptor)
	}

	refresher := oauth2.NewHTTPRefresher(oauth2.RefresherConfig{
		TokenURL:     a.Config.OAuthTokenURL,
		ClientID:     a.Config.OAuthClientID,
		ClientSecret: a.Config.OAuthClientSecret,
	}, oauth2.WithHTTPClient(commonhttp.NewHTTPClient()))

	a.Tokens = oauth2.NewManager(store, refresher, a.Session)
	a.Connection = oauth2.NewResolver(a.Tokens, a.Profile)

	restored, err := a.Tokens.RestoreOnStartup(ctx)
	if err != nil {
		// a refused refresh leaves the app disconnected, a transient one keeps the token
		a.Logger.Warn("Stored credentials could not be restored", logging.Err(err))
	} else if restored {
		a.Logger.Info("Stored credentials restored")
	}

	a.Flow = NewConsoleFlow(a.Config, commonhttp.NewHTTPClient(), a.in, a.out)
	a.Auth = orchestrator.New(a.Flow, a.Tokens, orchestrator.WithTimeout(a.Config.AuthTimeout))
	return nil
}

func (a *App) initializeAuthority() {
	rc := resilience.DefaultConfig()
	rc.RequestsPerSecond = a.Config.AuthorityRPS
	rc.Retry.MaxAttempts = a.Config.AuthorityMaxAttempts

	invoker := resilience.NewInvoker("authority", rc, a.Logger)
	a.Authority = authority.NewClient(a.Config.AuthorityBaseURL, invoker,
		authority.WithHTTPClient(commonhttp.NewHTTPClient()))
}

func (a *App) initializeSagas() error {
	var locker saga.Locker = locks.NewLocalLocker()
	if a.Config.SagaLock == "redis" {
		rl, err := locks.NewRedisLocker(a.RedisClient, locks.DefaultExpiry)
		if err != nil {
			return err
		}
		locker = rl
	}

	tokens := saga.TokenFunc(func(ctx context.Context) (string, error) {
		return a.Tokens.GetValidToken(ctx, false)
	})
	a.Sagas = saga.NewEngine(a.Storage, a.Authority, tokens, saga.WithLocker(locker))
	return nil
}

func (a *App) initializeSubmissions() {
	a.Submissions = submission.New(a.Profile, a.Connection, a.Auth, a.Tokens, a.Authority, a.Sagas)
}

// Close releases every resource New acquired
func (a *App) Close() {
	if a.Tokens != nil {
		a.Tokens.Stop()
	}
	if a.Auth != nil {
		a.Auth.Cancel()
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Warn("Failed to close redis", logging.Err(err))
		}
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn("Failed to close storage", logging.Err(err))
		}
	}
}
