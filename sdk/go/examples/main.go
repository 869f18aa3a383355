package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"time"

	"HumanLoop/internal/api"
	"HumanLoop/internal/task"
	"HumanLoop/sdk/go/humanloop"
)

func main() {
	store := task.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := store.AddTask(ctx, "demo-1", "write-number-in-words", json.RawMessage(`{"number":7}`)); err != nil {
		panic(err)
	}

	srv := httptest.NewServer(api.NewServer(":0", task.NewService(store)).Handler())
	defer srv.Close()

	client, err := humanloop.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	worker := humanloop.NewWorker(client, "demo-worker")
	done, found, err := worker.RunOnce(ctx, func(_ context.Context, t humanloop.Task) (any, error) {
		fmt.Printf("claimed %s (%s) input=%s\n", t.ID, t.Type, t.Input)
		return map[string]string{"text": "seven"}, nil
	})
	if err != nil {
		panic(err)
	}
	if !found {
		fmt.Println("no task available")
		return
	}
	fmt.Printf("completed %s output=%s\n", done.ID, done.Output)

	stats, err := client.Stats(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("stats: total=%d completed=%d\n", stats.Total, stats.Completed)
}
