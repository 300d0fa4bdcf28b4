package worker

type Worker interface {
	ConsumeTask() error
}

type Type string

const (
	TypeDeliverWorker Type = "mech-deliver-worker"
)
