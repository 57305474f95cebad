package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/nodeflow/cmd/engine/budget"
	"github.com/lyzr/nodeflow/cmd/engine/components"
	"github.com/lyzr/nodeflow/cmd/engine/components/security"
	"github.com/lyzr/nodeflow/cmd/engine/condition"
	"github.com/lyzr/nodeflow/cmd/engine/coordination"
	"github.com/lyzr/nodeflow/cmd/engine/delivery"
	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/cmd/engine/memory"
	"github.com/lyzr/nodeflow/cmd/engine/recovery"
	"github.com/lyzr/nodeflow/cmd/engine/scheduler"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/subflow"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/cmd/engine/worker"
	"github.com/lyzr/nodeflow/common/bootstrap"
	"github.com/lyzr/nodeflow/common/cache"
	"github.com/lyzr/nodeflow/common/clients"
	"github.com/lyzr/nodeflow/common/dispatch"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/repository"
	"github.com/lyzr/nodeflow/common/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := bootstrap.Setup(ctx, "engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Shutdown(ctx)

	svc.Logger.Info("engine starting")

	tel := telemetry.New(svc.Config.Service.PprofPort, svc.Logger)
	tel.Start()

	eng := buildEngine(svc, tel)

	queueWorker := queue.NewWorker(svc.Redis, queue.WorkerOptions{
		Stream:       svc.Config.Queue.Stream,
		Group:        svc.Config.Queue.Group,
		Consumer:     consumerName(),
		Concurrency:  svc.Config.Queue.Concurrency,
		ReclaimAfter: svc.Config.Queue.ReclaimAfter,
	}, svc.Logger)
	eng.registerHandlers(queueWorker)

	if err := queueWorker.Start(ctx); err != nil {
		svc.Logger.Error("failed to start queue worker", "error", err)
		os.Exit(1)
	}
	svc.Queue.StartMover(ctx, svc.Config.Queue.MoverInterval)
	eng.sweeper.Start(ctx)

	svc.Logger.Info("engine started",
		"stream", svc.Config.Queue.Stream,
		"group", svc.Config.Queue.Group,
		"concurrency", svc.Config.Queue.Concurrency)

	waitForShutdown(ctx, cancel, svc)

	queueWorker.Wait()
	svc.Logger.Info("engine shut down gracefully")
}

// engine bundles the job handlers behind the queue worker
type engine struct {
	sched   *scheduler.Scheduler
	nodes   *worker.Worker
	sweeper *recovery.Sweeper
	tel     *telemetry.Telemetry
}

// buildEngine wires repositories, coordination stores and the component
// registry into the scheduler, node worker and recovery sweeper
func buildEngine(svc *bootstrap.Components, tel *telemetry.Telemetry) *engine {
	cfg := svc.Config
	log := svc.Logger

	executions := repository.NewExecutionRepository(svc.DB)
	workflows := repository.NewWorkflowRepository(svc.DB)
	logs := repository.NewExecutionLogRepository(svc.DB)
	tasks := repository.NewPendingTaskRepository(svc.DB)
	epics := repository.NewEpicBudgetRepository(svc.DB)

	coord := coordination.NewCoordinator(svc.Redis, cfg.Redis.StateTTL, log)
	states := state.NewStore(svc.Redis, cfg.Redis.StateTTL)
	topos := topology.NewStore(svc.Redis, cfg.Redis.StateTTL)
	publisher := events.NewPublisher(svc.Redis, log)

	var episodes memory.Client = memory.Noop{}
	if cfg.Memory.BaseURL != "" {
		episodes = memory.NewHTTPClient(cfg.Memory.BaseURL, cfg.Memory.Timeout, log)
	}
	deliverer := delivery.NewWebhookDeliverer(cfg.Delivery.WebhookURL, cfg.Delivery.Timeout, log)
	guard := budget.NewGuard(workflows, epics, cfg.Budget, cache.NewMemoryCache(), log)

	dispatcher := dispatch.NewDispatcher(workflows, executions, svc.Queue, log)
	bridge := subflow.NewBridge(workflows, executions, dispatcher, svc.Queue, log)

	registry := components.NewRegistry(components.Deps{
		Conditions: condition.NewEvaluator(),
		Subflows:   bridge,
		HTTP:       clients.NewHTTPClient(&http.Client{Timeout: 30 * time.Second}, log),
		URLCheck:   security.NewURLValidator(),
		Logger:     log,
	})

	sched := scheduler.New(scheduler.Deps{
		Executions: executions,
		Workflows:  workflows,
		Tasks:      tasks,
		Coord:      coord,
		States:     states,
		Topos:      topos,
		Queue:      svc.Queue,
		Events:     publisher,
		Memory:     episodes,
		Delivery:   deliverer,
		Budget:     guard,
		Logger:     log,
	})

	nodes := worker.New(worker.Deps{
		Executions: executions,
		Configs:    workflows,
		Tasks:      tasks,
		Logs:       logs,
		Registry:   registry,
		Sched:      sched,
		Coord:      coord,
		States:     states,
		Topos:      topos,
		Queue:      svc.Queue,
		Events:     publisher,
		Budget:     guard,
		Engine:     cfg.Engine,
		Logger:     log,
	})

	sweeper := recovery.New(recovery.Deps{
		Executions: executions,
		Tasks:      tasks,
		Workflows:  workflows,
		Sched:      sched,
		Engine:     cfg.Engine,
		Logger:     log,
	})

	return &engine{sched: sched, nodes: nodes, sweeper: sweeper, tel: tel}
}

// registerHandlers binds the four job types to their handlers, each
// timed through telemetry. The failure callback fails executions whose
// jobs escape their handler, so a crashing handler cannot strand an
// execution in running.
func (e *engine) registerHandlers(qw *queue.Worker) {
	qw.Register(queue.TypeStartExecution, e.timed("start_execution", func(ctx context.Context, job *queue.Job) error {
		return e.sched.StartExecution(ctx, job.ExecutionID)
	}))
	qw.Register(queue.TypeExecuteNode, e.timed("execute_node", e.nodes.ExecuteNode))
	qw.Register(queue.TypeResumeNode, e.timed("resume_node", func(ctx context.Context, job *queue.Job) error {
		return e.sched.ResumeNode(ctx, job.ExecutionID, job.UserInput)
	}))
	qw.Register(queue.TypeCancelExecution, e.timed("cancel_execution", func(ctx context.Context, job *queue.Job) error {
		return e.sched.CancelExecution(ctx, job.ExecutionID, job.Reason)
	}))
	qw.OnFailure(e.sweeper.OnJobFailure)
}

func (e *engine) timed(operation string, handler queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		defer e.tel.RecordDuration(operation, time.Now())
		return handler(ctx, job)
	}
}

// consumerName identifies this process within the consumer group
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// waitForShutdown blocks until a shutdown signal arrives
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, svc *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		svc.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}
