package alignment

import (
	"fmt"

	"github.com/goliatone/go-alignment/adapters/gocommand"
	"github.com/goliatone/go-alignment/command"
	"github.com/goliatone/go-alignment/httpapi"
	"github.com/goliatone/go-alignment/query"
)

type Commands struct {
	RunSchedulerTick    *command.RunSchedulerTickCommand
	RetryDLQBatch       *command.RetryDLQBatchCommand
	TriggerAlignmentRun *command.TriggerAlignmentRunCommand
	ExecuteJob          *command.ExecuteJobCommand
	ResolveAlert        *command.ResolveAlertCommand
	SyncConnection      *command.SyncConnectionCommand
}

type Queries struct {
	GetJob        *query.GetJobQuery
	ListDLQEvents *query.ListDLQEventsQuery
	GetReport     *query.GetReportQuery
	ListAlerts    *query.ListAlertsQuery
}

// Facade exposes the runtime as go-command handlers.
type Facade struct {
	runtime  *Runtime
	commands Commands
	queries  Queries
}

func NewFacade(runtime *Runtime) (*Facade, error) {
	if runtime == nil {
		return nil, fmt.Errorf("alignment: runtime is required")
	}
	stores := runtime.Stores()
	return &Facade{
		runtime: runtime,
		commands: Commands{
			RunSchedulerTick:    command.NewRunSchedulerTickCommand(runtime.Scheduler()),
			RetryDLQBatch:       command.NewRetryDLQBatchCommand(runtime.DLQ()),
			TriggerAlignmentRun: command.NewTriggerAlignmentRunCommand(runtime.Scheduler()),
			ExecuteJob:          command.NewExecuteJobCommand(runtime),
			ResolveAlert:        command.NewResolveAlertCommand(runtime.Alerts()),
			SyncConnection:      command.NewSyncConnectionCommand(stores.Connections, runtime.Pipeline()),
		},
		queries: Queries{
			GetJob:        query.NewGetJobQuery(stores.Jobs),
			ListDLQEvents: query.NewListDLQEventsQuery(stores.DLQ),
			GetReport:     query.NewGetReportQuery(stores.Reports),
			ListAlerts:    query.NewListAlertsQuery(stores.Alerts),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Runtime() *Runtime {
	if f == nil {
		return nil
	}
	return f.runtime
}

// Register subscribes every command and query on bus. The first failure
// stops registration; subscriptions already made stay tracked by bus.
func (f *Facade) Register(bus *gocommand.Bus) error {
	if f == nil {
		return fmt.Errorf("alignment: facade is nil")
	}
	if bus == nil {
		return fmt.Errorf("alignment: command bus is required")
	}
	steps := []func() error{
		func() error { return gocommand.RegisterCommand(bus, f.commands.RunSchedulerTick) },
		func() error { return gocommand.RegisterCommand(bus, f.commands.RetryDLQBatch) },
		func() error { return gocommand.RegisterCommand(bus, f.commands.TriggerAlignmentRun) },
		func() error { return gocommand.RegisterCommand(bus, f.commands.ExecuteJob) },
		func() error { return gocommand.RegisterCommand(bus, f.commands.ResolveAlert) },
		func() error { return gocommand.RegisterCommand(bus, f.commands.SyncConnection) },
		func() error { return gocommand.RegisterQuery(bus, f.queries.GetJob) },
		func() error { return gocommand.RegisterQuery(bus, f.queries.ListDLQEvents) },
		func() error { return gocommand.RegisterQuery(bus, f.queries.GetReport) },
		func() error { return gocommand.RegisterQuery(bus, f.queries.ListAlerts) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPServer mounts the pipeline and the read queries on an httpapi
// server. Extra options are applied after the runtime's own.
func (f *Facade) NewHTTPServer(opts ...httpapi.Option) (*httpapi.Server, error) {
	if f == nil || f.runtime == nil {
		return nil, fmt.Errorf("alignment: facade is not configured")
	}
	base := []httpapi.Option{
		httpapi.WithObserver(f.runtime.Observer("http")),
		httpapi.WithQueries(httpapi.Queries{
			Job:    f.queries.GetJob,
			DLQ:    f.queries.ListDLQEvents,
			Report: f.queries.GetReport,
			Alerts: f.queries.ListAlerts,
		}),
	}
	return httpapi.New(f.runtime.Config().HTTP, f.runtime.Pipeline(), append(base, opts...)...)
}
