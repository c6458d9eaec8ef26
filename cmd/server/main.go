package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/vrtx-crm/be-automation/internal/client"
	"github.com/vrtx-crm/be-automation/internal/config"
	"github.com/vrtx-crm/be-automation/internal/database"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/handler"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
	"github.com/vrtx-crm/be-automation/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Automation Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS
	natsClient, err := client.NewNATSClient(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer natsClient.Close()
	log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")

	// Initialize repositories
	blueprintRepo := repository.NewBlueprintRepository(db)
	recordStateRepo := repository.NewRecordStateRepository(db)
	executionRepo := repository.NewExecutionRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	slaRepo := repository.NewSLARepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	recordStore := repository.NewRecordStore(db)

	// Initialize outbound clients
	notifications := client.NewNotificationPublisher(natsClient, log.Logger)
	dispatcher := client.NewJobDispatcher(natsClient, log.Logger)
	webhooks := client.NewWebhookClient(cfg.Webhook.Timeout)
	directory := client.NewDirectoryClient(getEnv("DIRECTORY_URL", "http://localhost:8081"))

	// Initialize services
	clock := eval.SystemClock{}
	conditionService := service.NewConditionService(log)
	requirementValidator := service.NewRequirementValidator()
	actionService := service.NewActionService(recordStore, executionRepo, notifications, webhooks, clock, log)
	approvalService := service.NewApprovalService(approvalRepo, executionRepo, auditRepo, directory, notifications, clock, log)
	executor := service.NewTransitionExecutor(db, recordStateRepo, executionRepo, recordStore, clock, log)
	slaService := service.NewSLAService(slaRepo, recordStore, actionService, notifications, clock, log)
	engineService := service.NewEngineService(
		blueprintRepo, recordStateRepo, executionRepo, recordStore,
		conditionService, requirementValidator,
		approvalService, executor, actionService, slaService,
		auditRepo, clock, log,
	)
	escalationService := service.NewEscalationService(approvalRepo, executionRepo, blueprintRepo, auditRepo, directory, notifications, clock, log)
	triggerService := service.NewTriggerService(workflowRepo, recordStore, dispatcher, clock, log)
	workflowService := service.NewWorkflowService(workflowRepo, actionService, dispatcher, clock, log)

	// Subscribe job workers
	workflowSub, err := natsClient.Subscribe("jobs.crm.workflow_execution", "automation-workflow", func(msg *nats.Msg) {
		var job client.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Error().Err(err).Msg("workflow job: invalid payload")
			_ = msg.Ack()
			return
		}
		executionID, _ := job.Payload["execution_id"].(string)
		if err := workflowService.Run(context.Background(), executionID); err != nil {
			log.Error().Err(err).Str("execution_id", executionID).Msg("workflow job: run failed")
		}
		_ = msg.Ack()
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe workflow execution worker")
	}
	defer workflowSub.Unsubscribe()

	retrySub, err := natsClient.Subscribe("jobs.crm.workflow_step_retry", "automation-step-retry", func(msg *nats.Msg) {
		var job client.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Error().Err(err).Msg("step retry job: invalid payload")
			_ = msg.Ack()
			return
		}
		executionID, _ := job.Payload["execution_id"].(string)
		stepID, _ := job.Payload["step_id"].(string)
		attempt, _ := job.Payload["attempt"].(float64)
		if err := workflowService.RetryStep(context.Background(), executionID, stepID, int(attempt)); err != nil {
			log.Error().Err(err).
				Str("execution_id", executionID).
				Str("step_id", stepID).
				Msg("step retry job: retry failed")
		}
		_ = msg.Ack()
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe step retry worker")
	}
	defer retrySub.Unsubscribe()

	// Schedule periodic sweeps
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Sweep.ApprovalInterval), func() {
		escalationService.Sweep(context.Background())
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule approval sweep")
	}
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Sweep.SLAInterval), func() {
		slaService.CheckSLAs(context.Background())
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule SLA sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()
	log.Info().
		Str("approval_interval", cfg.Sweep.ApprovalInterval.String()).
		Str("sla_interval", cfg.Sweep.SLAInterval.String()).
		Msg("Sweep schedules started")

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engineService, approvalService, workflowService, triggerService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Blueprint routes
	mux.HandleFunc("/api/v1/blueprints", httpHandler.CreateBlueprint)
	mux.HandleFunc("/api/v1/blueprints/sync", httpHandler.SyncBlueprintStates)
	mux.HandleFunc("/api/v1/blueprints/deactivate", httpHandler.DeactivateBlueprint)
	mux.HandleFunc("/api/v1/blueprints/transitions", httpHandler.AddTransition)
	mux.HandleFunc("/api/v1/blueprints/transitions/available", httpHandler.AvailableTransitions)

	// Transition lifecycle routes
	mux.HandleFunc("/api/v1/transitions/start", httpHandler.StartTransition)
	mux.HandleFunc("/api/v1/transitions/requirements", httpHandler.SubmitRequirements)
	mux.HandleFunc("/api/v1/transitions/approve", httpHandler.ApproveTransition)
	mux.HandleFunc("/api/v1/transitions/reject", httpHandler.RejectTransition)
	mux.HandleFunc("/api/v1/transitions/complete", httpHandler.CompleteTransition)
	mux.HandleFunc("/api/v1/transitions/cancel", httpHandler.CancelTransition)
	mux.HandleFunc("/api/v1/transitions/history", httpHandler.ExecutionHistory)

	// Approval routes
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.PendingApprovals)
	mux.HandleFunc("/api/v1/approvals/reassign", httpHandler.ReassignApproval)
	mux.HandleFunc("/api/v1/approvals/delegations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			httpHandler.CreateDelegation(w, r)
		case http.MethodDelete:
			httpHandler.RevokeDelegation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Workflow routes
	mux.HandleFunc("/api/v1/workflows", httpHandler.CreateWorkflowRule)
	mux.HandleFunc("/api/v1/workflows/update", httpHandler.UpdateWorkflowRule)
	mux.HandleFunc("/api/v1/workflows/versions", httpHandler.WorkflowVersions)
	mux.HandleFunc("/api/v1/workflows/diff", httpHandler.WorkflowDiff)
	mux.HandleFunc("/api/v1/workflows/rollback", httpHandler.RollbackWorkflowRule)
	mux.HandleFunc("/api/v1/events", httpHandler.RecordEvent)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
