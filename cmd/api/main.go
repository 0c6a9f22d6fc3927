package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"outfitapi/controllers"
	"outfitapi/dbhelper"
	"outfitapi/prompts"
	"outfitapi/scheduler"
	"outfitapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	err := sentry.Init(sentry.ClientOptions{
		// Either set your DSN here or set the SENTRY_DSN environment variable.
		Dsn:         os.Getenv("SENTRY_DSN"),
		Environment: services.GetEnv("ENV", "local"),
		Release:     "outfitapi@1.0.0",
		// Set TracesSampleRate to 1.0 to capture 100%
		// of transactions for performance monitoring.
		// We recommend adjusting this value in production,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	defer sentry.Recover()
	defer sentry.Flush(2 * time.Second)

	db := dbhelper.SetupDB()

	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")})

	llm := services.GoogleOutfitLLM{Model: services.ModelFromEnv()}
	registry := prompts.DefaultRegistry()

	catalog, err := services.NewCachedCatalogProvider(services.DBCatalogProvider{DB: db})
	if err != nil {
		log.Fatal("Failed to initialize catalog cache: ", err)
	}
	profile := services.DBProfileProvider{DB: db}

	sched := scheduler.New(scheduler.Config{
		Workers:      4,
		MaxAttempts:  3,
		RetryBackoff: 2 * time.Second,
		TaskBudget:   90 * time.Second,
		RetentionTTL: 15 * time.Minute,
	}, llm, catalog, profile)
	sched.SetNotifier(func(userID uint, taskID string, state scheduler.TaskState, outfitCount int) {
		title := "Your outfits are ready"
		message := fmt.Sprintf("We put together %d outfits for you.", outfitCount)
		if state != scheduler.StateComplete {
			title = "Outfit generation finished"
			message = fmt.Sprintf("Generation ended with state %s.", state)
		}
		services.SendNotification(app, db, userID, title, message, map[string]string{
			"task_id": taskID,
			"state":   string(state),
		})
	})
	sched.Start()
	defer sched.Stop()

	e := controllers.SetupServer(db, llm, registry, sched, catalog, profile, app, asynqClient)
	e.Debug = true
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(3)))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Once it's done, you can attach the handler as one of your middleware
	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	e.Logger.Fatal(e.Start(":8083"))
}
