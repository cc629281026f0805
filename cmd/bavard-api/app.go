package main

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/assistant"
	"github.com/MarcoPoloResearchLab/bavard/internal/auth"
	"github.com/MarcoPoloResearchLab/bavard/internal/config"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/database"
	"github.com/MarcoPoloResearchLab/bavard/internal/fanout"
	"github.com/MarcoPoloResearchLab/bavard/internal/media"
	"github.com/MarcoPoloResearchLab/bavard/internal/messaging"
	"github.com/MarcoPoloResearchLab/bavard/internal/notifications"
	"github.com/MarcoPoloResearchLab/bavard/internal/readstate"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"github.com/MarcoPoloResearchLab/bavard/internal/server"
	"github.com/MarcoPoloResearchLab/bavard/internal/stories"
	"github.com/MarcoPoloResearchLab/bavard/internal/users"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds every wired service of one process.
type application struct {
	db            *gorm.DB
	bus           realtime.Bus
	relay         *realtime.RedisRelay
	users         *users.Service
	contacts      *contacts.Service
	conversations *conversations.Service
	readState     *readstate.Service
	notifications *notifications.Service
	stories       *stories.Service
	messaging     *messaging.Service
	gateway       media.Gateway
	generator     assistant.Generator
	hub           *fanout.Hub
	closers       []func()
}

func buildApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}
	db, err := database.NewHandle(appConfig.DatabasePath, logger).Get()
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.db = db
	app.closers = append(app.closers, func() { _ = sqlDB.Close() })

	dispatcher := realtime.NewDispatcher()
	app.bus = dispatcher
	if appConfig.RelayEnabled() {
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		relay, err := realtime.NewRedisRelay(realtime.RedisRelayConfig{
			Client:       client,
			Channel:      appConfig.RedisChannel,
			Local:        dispatcher,
			Logger:       logger,
			RetryInitial: appConfig.Retry.Initial,
			RetryMax:     appConfig.Retry.Max,
		})
		if err != nil {
			_ = client.Close()
			app.close()
			return nil, err
		}
		app.relay = relay
		app.bus = relay
		app.closers = append(app.closers, func() { _ = client.Close() })
	}

	app.generator = assistant.Unavailable{}
	if appConfig.AssistantEnabled() {
		generator, err := assistant.NewAnthropicGenerator(assistant.NewAnthropicMessager(appConfig.AssistantAPIKey), appConfig.AssistantModel)
		if err != nil {
			app.close()
			return nil, err
		}
		app.generator = generator
	}

	if appConfig.MediaAPIToken != "" {
		gateway, err := media.NewHTTPGateway(media.HTTPGatewayConfig{
			UploadURL:  appConfig.MediaUploadURL,
			GatewayURL: appConfig.MediaGatewayURL,
			APIToken:   appConfig.MediaAPIToken,
			Logger:     logger,
		})
		if err != nil {
			app.close()
			return nil, err
		}
		app.gateway = gateway
	} else {
		logger.Info("media gateway not configured, keeping uploads in process")
		app.gateway = media.NewMemoryGateway("")
	}

	if err := app.wireServices(appConfig, logger); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *application) wireServices(appConfig config.AppConfig, logger *zap.Logger) error {
	var err error
	if app.users, err = users.NewService(users.ServiceConfig{
		Database:        app.db,
		ReservedUserIDs: []string{contacts.AssistantID, contacts.BroadcastID},
		Logger:          logger,
	}); err != nil {
		return err
	}
	if app.conversations, err = conversations.NewService(conversations.ServiceConfig{
		Database:       app.db,
		Publisher:      app.bus,
		Subscriber:     app.bus,
		PurgeBatchSize: appConfig.PurgeBatchSize,
		Logger:         logger,
	}); err != nil {
		return err
	}
	if app.readState, err = readstate.NewService(readstate.ServiceConfig{
		Database:  app.db,
		Counter:   app.conversations,
		Publisher: app.bus,
		Logger:    logger,
	}); err != nil {
		return err
	}
	if app.notifications, err = notifications.NewService(notifications.ServiceConfig{
		Database:  app.db,
		Publisher: app.bus,
		Logger:    logger,
	}); err != nil {
		return err
	}
	if app.contacts, err = contacts.NewService(contacts.ServiceConfig{
		Database:  app.db,
		Directory: app.users,
		Publisher: app.bus,
		Logger:    logger,
	}); err != nil {
		return err
	}
	if app.stories, err = stories.NewService(stories.ServiceConfig{
		Database:    app.db,
		Categorizer: app.generator,
		Publisher:   app.bus,
		Logger:      logger,
	}); err != nil {
		return err
	}
	responder, err := assistant.NewResponder(assistant.ResponderConfig{
		Conversations: app.conversations,
		Generator:     app.generator,
		Publisher:     app.bus,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if app.messaging, err = messaging.NewService(messaging.ServiceConfig{
		Conversations: app.conversations,
		ReadState:     app.readState,
		Notifications: app.notifications,
		Contacts:      app.contacts,
		Directory:     app.users,
		Gateway:       app.gateway,
		Replier:       responder,
		Logger:        logger,
	}); err != nil {
		return err
	}
	app.hub, err = fanout.NewHub(fanout.HubConfig{
		Contacts:      app.contacts,
		Conversations: app.conversations,
		ReadState:     app.readState,
		Notifications: app.notifications,
		Stories:       app.stories,
		Subscriber:    app.bus,
		Retry: fanout.RetryPolicy{
			Initial:    appConfig.Retry.Initial,
			Max:        appConfig.Retry.Max,
			MaxElapsed: appConfig.Retry.MaxElapsed,
		},
		Logger: logger,
	})
	return err
}

func (app *application) serverDependencies(appConfig config.AppConfig, logger *zap.Logger) (server.Dependencies, error) {
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret:   []byte(appConfig.SigningSecret),
		Issuer:          appConfig.SessionIssuer,
		CookieName:      appConfig.SessionCookie,
		ReservedUserIDs: []string{contacts.AssistantID, contacts.BroadcastID},
	})
	if err != nil {
		return server.Dependencies{}, err
	}
	return server.Dependencies{
		Sessions:      validator,
		Identities:    app.users,
		Contacts:      app.contacts,
		Messaging:     app.messaging,
		Notifications: app.notifications,
		Stories:       app.stories,
		Gateway:       app.gateway,
		Generator:     app.generator,
		Hub:           app.hub,
		Clock:         time.Now,
		Logger:        logger,
	}, nil
}

// runBackground starts the relay consumer and the story sweeper until ctx ends.
func (app *application) runBackground(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) {
	if app.relay != nil {
		go func() {
			if err := app.relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("event relay stopped", zap.Error(err))
			}
		}()
	}
	go app.stories.RunSweeper(ctx, appConfig.SweepInterval)
}

func (app *application) close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		app.closers[index]()
	}
}
