// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package groupq provides a distributed task queue with group-aware scheduling,
backed by Redis.

Producers submit named tasks carrying an identifier, a priority, and an
optional group label. A pool of workers draws those tasks from the shared
store, delivering the tasks of one group strictly in arrival order while a
configurable policy arbitrates between groups. Delivery is at-least-once:
a task may be re-executed after a worker crash, so handlers should complete
idempotently.

# Quick Start

Client (Enqueue Tasks):

	client := groupq.NewClient(groupq.RedisClientOpt{
		Addr: "localhost:6379",
	})
	defer client.Close()

	payload, _ := json.Marshal(map[string]int{"user_id": 42})
	task := groupq.NewTask("email:welcome", payload, groupq.Group("user:42"))
	info, err := client.Enqueue(task)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", info.ID)

Server (Process Tasks):

	srv := groupq.NewServer(
		groupq.RedisClientOpt{Addr: "localhost:6379"},
		groupq.Config{
			Concurrency: 10,
			Policy:      groupq.PolicyRoundRobin,
		},
	)

	mux := groupq.NewServeMux()
	mux.HandleFunc("email:welcome", func(ctx context.Context, task *groupq.Task) error {
		log.Printf("Processing task: %s", task.Method())
		return nil
	})

	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}

# Groups

A group is an ordering and fairness scope. Tasks in the same group run in
the order they arrived, at most GroupConcurrency at a time (1 by default).
Tasks without a group join a synthetic per-queue group that runs as wide as
the worker pool.

Across groups, the server's Policy decides who goes next:

  - PolicyRoundRobin serves eligible groups in turn.
  - PolicyFIFO serves the globally oldest waiting task.
  - PolicyPriority serves groups proportionally to the weights in
    Config.GroupPriorities.

# Task Options

Available options for NewTask and Enqueue:

	Queue(name)       - Target queue name
	Group(name)       - Group label for ordered delivery
	WithPriority(p)   - Low, Normal, High, or Critical
	MaxRetries(n)     - Maximum retry attempts
	RetryDelay(d)     - Base delay between retries (doubles per attempt)
	Timeout(d)        - Task execution timeout
	ProcessIn(d)      - Delay processing by duration
	ProcessAt(t)      - Schedule at specific time
	TaskID(id)        - Custom task ID
	Retention(d)      - Keep terminal record for duration

# Architecture

groupq uses Redis as the shared store. Each task is a JSON record under
task:{id}; each group keeps a membership set, an arrival-ordered sorted set,
a processing set, and a per-task state map under group:{name}:*. Claims run
as optimistic WATCH/MULTI/EXEC transactions so that concurrent workers,
possibly on different hosts, hand out each task exactly once.

The Server spawns multiple goroutines:
  - Processor: Worker pool that claims and executes tasks
  - Forwarder: Flips delayed tasks to waiting when due
  - Recoverer: Hands back tasks from crashed workers
  - Syncer: Retries failed finalization writes
  - Janitor: Purges expired terminal records
  - Subscriber: Applies broadcast task cancelations

Lifecycle events fan out over Redis pub/sub channels events:{kind}; use an
Observer to consume them.

# Monitoring

groupq includes a built-in web dashboard. Start it with:

	go run ./ui

Then visit http://localhost:8080 to view groups, tasks, and counters.
*/
package groupq
