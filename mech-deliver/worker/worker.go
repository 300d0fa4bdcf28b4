package worker

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/remeh/sizedwaitgroup"
	log "github.com/sirupsen/logrus"

	"mech/goutils/settings"
	"mech/goutils/taskmgr"
	worker2 "mech/goutils/taskmgr/worker"
	"mech/mech-deliver/service"
)

type Worker struct {
	service  *service.DeliverService
	taskmgr  taskmgr.TaskMgr
	settings *settings.SettingsObj
}

// should be implemented by all the workers
var _ worker2.Worker = (*Worker)(nil)

// NewWorker creates a new *Worker listening for delivery tasks.
// a single Worker can run multiple tasks concurrently using go routines.
// running multiple instances of this whole service will create multiple
// workers which can horizontally scale the service.
func NewWorker(deliverService *service.DeliverService, taskMgr taskmgr.TaskMgr, settingsObj *settings.SettingsObj) *Worker {
	return &Worker{
		service:  deliverService,
		taskmgr:  taskMgr,
		settings: settingsObj,
	}
}

func (w *Worker) ConsumeTask() error {
	// buffered channel to accept multiple messages and process them in parallel
	taskChan := make(chan taskmgr.TaskHandler, w.settings.Request.DeliverConcurrency)
	defer close(taskChan)

	// start consuming messages in a separate go routine.
	// messages are sent back over taskChan.
	go func() {
		err := backoff.Retry(func() error {
			err := w.taskmgr.Consume(context.Background(), worker2.TypeDeliverWorker, taskChan)
			if err != nil {
				log.WithError(err).Error("failed to consume the message, retrying")
			}

			return err
		}, backoff.NewExponentialBackOff())
		if err != nil {
			log.WithError(err).Error("failed to consume the message")
		}
	}()

	// limit number of concurrent tasks per Worker
	swg := sizedwaitgroup.New(w.settings.Request.DeliverConcurrency)

	for {
		swg.Add()

		taskHandler := <-taskChan

		go func(taskHandler taskmgr.TaskHandler) {
			msgBody := taskHandler.GetBody()

			log.WithField("msg", string(msgBody)).Debug("received message")

			err := w.service.Run(msgBody, taskHandler.GetTopic())
			if err != nil {
				log.WithError(err).Error("failed to run the task")

				err = backoff.Retry(func() error {
					return taskHandler.Nack(false)
				}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(*w.settings.RetryCount)))
				if err != nil {
					log.WithError(err).Errorf("failed to nack the message")
				}
			} else {
				err = backoff.Retry(func() error {
					return taskHandler.Ack()
				}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(*w.settings.RetryCount)))
				if err != nil {
					log.WithError(err).Error("failed to ack the message")
				}
			}

			swg.Done()
		}(taskHandler)

		// wait till all the previous tasks are finished
		swg.Wait()
	}
}

func (w *Worker) ShutdownWorker() {
	if err := w.taskmgr.Shutdown(context.Background()); err != nil {
		log.WithError(err).Error("failed to shutdown task manager")
	}
}
