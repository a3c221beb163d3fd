// Command claim_race checks the queue's exclusivity and recovery guarantees
// against a real store, outside the test harness.
//
//	claim_race -mode race -db /tmp/race.db -tasks 200 -claimers 16
//	claim_race -mode claim-sleep -db /tmp/crash.db   # kill -9 it
//	claim_race -mode recover -db /tmp/crash.db -timeout 1s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/basket/missionctl/internal/agent"
	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/orchestrator"
	"github.com/basket/missionctl/internal/persistence"
	"github.com/basket/missionctl/internal/persistence/postgres"
)

type repo interface {
	persistence.Repository
	Close() error
}

func main() {
	mode := flag.String("mode", "", "race|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	dsn := flag.String("dsn", "", "postgres DSN (overrides -db)")
	tasks := flag.Int("tasks", 100, "tasks to enqueue in race mode")
	claimers := flag.Int("claimers", 8, "concurrent claimers in race mode")
	timeout := flag.Duration("timeout", time.Second, "heartbeat age reclaimed in recover mode")
	flag.Parse()

	if *mode == "" || (*dbPath == "" && *dsn == "") {
		fmt.Fprintln(os.Stderr, "mode and db (or dsn) are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := open(ctx, *dbPath, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := agent.NewRegistry(store, bus.Nop{})
	queue := orchestrator.NewQueue(store, bus.Nop{})

	var code int
	switch *mode {
	case "race":
		code = race(ctx, reg, queue, *tasks, *claimers)
	case "claim-sleep":
		code = claimSleep(ctx, reg, queue)
	case "recover":
		code = recoverStale(ctx, queue, *timeout)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		code = 2
	}
	os.Exit(code)
}

func open(ctx context.Context, dbPath, dsn string) (repo, error) {
	if dsn != "" {
		s, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := persistence.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func readyAgent(ctx context.Context, reg *agent.Registry, name string) (string, error) {
	a, err := reg.Register(ctx, agent.RegisterParams{Name: name})
	if err != nil {
		return "", err
	}
	for _, to := range []lifecycle.AgentStatus{lifecycle.AgentInitializing, lifecycle.AgentReady} {
		if _, err := reg.Transition(ctx, a.ID, to, agent.TransitionOptions{Reason: "claim_race"}); err != nil {
			return "", err
		}
	}
	return a.ID, nil
}

// race enqueues n tasks and lets c agents claim concurrently until the
// queue is empty. Every task must be claimed exactly once.
func race(ctx context.Context, reg *agent.Registry, queue *orchestrator.Queue, n, c int) int {
	for i := 0; i < n; i++ {
		if _, err := queue.Create(ctx, orchestrator.CreateParams{Title: fmt.Sprintf("race-%d", i), CreatedBy: "claim_race"}); err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			return 1
		}
	}

	var (
		mu     sync.Mutex
		owners = map[string]string{}
		dupes  int
		errs   int
		wg     sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < c; i++ {
		agentID, err := readyAgent(ctx, reg, fmt.Sprintf("claimer-%d", i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "register claimer: %v\n", err)
			return 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				t, err := queue.ClaimNext(ctx, agentID)
				if err != nil {
					mu.Lock()
					errs++
					mu.Unlock()
					fmt.Fprintf(os.Stderr, "claim: %v\n", err)
					return
				}
				if t == nil {
					return
				}
				mu.Lock()
				if prev, ok := owners[t.ID]; ok {
					dupes++
					fmt.Printf("DUPLICATE task=%s first=%s second=%s\n", t.ID, prev, agentID)
				}
				owners[t.ID] = agentID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	fmt.Printf("CLAIMED=%d EXPECTED=%d DUPLICATES=%d ERRORS=%d ELAPSED=%s\n",
		len(owners), n, dupes, errs, time.Since(start).Truncate(time.Millisecond))
	if len(owners) != n || dupes > 0 || errs > 0 {
		fmt.Println("VERDICT FAIL")
		return 1
	}
	fmt.Println("VERDICT PASS")
	return 0
}

// claimSleep claims one task, starts it and then hangs so the process can
// be killed while holding it.
func claimSleep(ctx context.Context, reg *agent.Registry, queue *orchestrator.Queue) int {
	if _, err := queue.Create(ctx, orchestrator.CreateParams{Title: "crash", CreatedBy: "claim_race"}); err != nil {
		fmt.Fprintf(os.Stderr, "create task: %v\n", err)
		return 1
	}
	agentID, err := readyAgent(ctx, reg, "sleeper")
	if err != nil {
		fmt.Fprintf(os.Stderr, "register agent: %v\n", err)
		return 1
	}
	t, err := queue.ClaimNext(ctx, agentID)
	if err != nil || t == nil {
		fmt.Fprintf(os.Stderr, "claim task: task=%v err=%v\n", t, err)
		return 1
	}
	if _, err := queue.Start(ctx, t.ID, agentID); err != nil {
		fmt.Fprintf(os.Stderr, "start task: %v\n", err)
		return 1
	}
	fmt.Printf("CLAIMED_TASK_ID=%s\n", t.ID)
	fmt.Printf("AGENT_ID=%s\n", agentID)
	for {
		time.Sleep(time.Second)
	}
}

// recoverStale reclaims tasks whose heartbeat is older than timeout and
// fails if any task is still held afterwards.
func recoverStale(ctx context.Context, queue *orchestrator.Queue, timeout time.Duration) int {
	reclaimed, err := queue.ReclaimStale(ctx, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reclaim: %v\n", err)
		return 1
	}
	fmt.Printf("RECLAIMED=%d\n", reclaimed)

	held, err := queue.StaleTasks(ctx, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list stale: %v\n", err)
		return 1
	}
	for _, t := range held {
		fmt.Printf("TASK_STATUS id=%s status=%s agent=%q\n", t.ID, t.Status, t.AgentID)
	}
	if len(held) > 0 {
		fmt.Println("VERDICT FAIL: stale tasks still held after recovery")
		return 1
	}
	fmt.Println("VERDICT PASS")
	return 0
}
