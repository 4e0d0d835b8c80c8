// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
)

// JobHandler processes one job and returns the variables to complete it with.
type JobHandler interface {
	Process(ctx context.Context, job entities.Job) (map[string]interface{}, error)
}

type JobHandlerFunc func(ctx context.Context, job entities.Job) (map[string]interface{}, error)

func (f JobHandlerFunc) Process(ctx context.Context, job entities.Job) (map[string]interface{}, error) {
	return f(ctx, job)
}

type WorkerConfig struct {
	TaskType      string
	MaxJobsActive int
	Timeout       time.Duration
}

type Worker struct {
	config    WorkerConfig
	handler   JobHandler
	logger    logger.Logger
	jobWorker worker.JobWorker
}

func NewWorker(config WorkerConfig, handler JobHandler, log logger.Logger) *Worker {
	if config.MaxJobsActive <= 0 {
		config.MaxJobsActive = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Worker{
		config:  config,
		handler: handler,
		logger:  log.WithFields(map[string]interface{}{"worker": config.TaskType}),
	}
}

// Register opens a job worker on client.
func (w *Worker) Register(client zbc.Client) {
	w.jobWorker = client.NewJobWorker().
		JobType(w.config.TaskType).
		Handler(w.Handle).
		MaxJobsActive(w.config.MaxJobsActive).
		Timeout(w.config.Timeout).
		Name(fmt.Sprintf("%s-worker", w.config.TaskType)).
		Open()

	w.logger.Info("Worker registered with Camunda", map[string]interface{}{
		"maxJobsActive": w.config.MaxJobsActive,
		"timeout":       w.config.Timeout.String(),
	})
}

// Handle is the zeebe callback: it runs the handler and completes or fails
// the job.
func (w *Worker) Handle(client worker.JobClient, job entities.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
	defer cancel()

	w.logger.Info("Processing job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	vars, err := w.handler.Process(ctx, job)
	if err != nil {
		w.failJob(ctx, client, job, err)
		return
	}
	w.completeJob(ctx, client, job, vars)
}

func (w *Worker) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, vars map[string]interface{}) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(vars)
	if err != nil {
		w.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}
	if _, err := request.Send(ctx); err != nil {
		w.logger.Error("Failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
	}
}

// failJob keeps retries for retryable errors and exhausts them otherwise.
func (w *Worker) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	retries := job.GetRetries() - 1
	if !errors.IsRetryable(err) || retries < 0 {
		retries = 0
	}

	w.logger.Error("Job failed", map[string]interface{}{
		"jobKey":  job.GetKey(),
		"error":   err.Error(),
		"retries": retries,
	})

	_, sendErr := client.NewFailJobCommand().
		JobKey(job.GetKey()).
		Retries(retries).
		ErrorMessage(err.Error()).
		Send(ctx)
	if sendErr != nil {
		w.logger.Error("Failed to send job failure to Camunda", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  sendErr.Error(),
		})
	}
}

func (w *Worker) Close() {
	if w.jobWorker != nil {
		w.logger.Info("Shutting down worker gracefully", nil)
		w.jobWorker.Close()
		w.jobWorker = nil
	}
}
