package main

import (
	"context"
	"log"
	"os"

	"outfitapi/dbhelper"
	"outfitapi/tasks"

	"github.com/hibiken/asynq"
)

func main() {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			"default": 7,
		}},
	)

	mux := asynq.NewServeMux()
	db := dbhelper.SetupDB()
	mux.HandleFunc(tasks.TypeSaveOutfit, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleSaveOutfitTask(ctx, t, db)
	})

	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}
}
