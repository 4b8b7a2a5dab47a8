package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every store over one bun handle.
type RepositoryFactory struct {
	db *bun.DB

	connectionStore  *ConnectionStore
	eventStore       *EventStore
	dlqStore         *DLQStore
	jobStore         *JobStore
	reportStore      *ReportStore
	alertStore       *AlertStore
	settingsStore    *SettingsStore
	monitoredAdStore *MonitoredAdStore
	targetStore      *NotificationTargetStore
	dispatchLedger   *DispatchLedger
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.eventStore != nil && f.jobStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) ConnectionStore() *ConnectionStore {
	if f == nil {
		return nil
	}
	return f.connectionStore
}

func (f *RepositoryFactory) EventStore() *EventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) DLQStore() *DLQStore {
	if f == nil {
		return nil
	}
	return f.dlqStore
}

func (f *RepositoryFactory) JobStore() *JobStore {
	if f == nil {
		return nil
	}
	return f.jobStore
}

func (f *RepositoryFactory) ReportStore() *ReportStore {
	if f == nil {
		return nil
	}
	return f.reportStore
}

func (f *RepositoryFactory) AlertStore() *AlertStore {
	if f == nil {
		return nil
	}
	return f.alertStore
}

func (f *RepositoryFactory) SettingsStore() *SettingsStore {
	if f == nil {
		return nil
	}
	return f.settingsStore
}

func (f *RepositoryFactory) MonitoredAdStore() *MonitoredAdStore {
	if f == nil {
		return nil
	}
	return f.monitoredAdStore
}

func (f *RepositoryFactory) NotificationTargetStore() *NotificationTargetStore {
	if f == nil {
		return nil
	}
	return f.targetStore
}

func (f *RepositoryFactory) DispatchLedger() *DispatchLedger {
	if f == nil {
		return nil
	}
	return f.dispatchLedger
}

func (f *RepositoryFactory) initStores() error {
	var err error
	if f.connectionStore, err = NewConnectionStore(f.db); err != nil {
		return err
	}
	if f.eventStore, err = NewEventStore(f.db); err != nil {
		return err
	}
	if f.dlqStore, err = NewDLQStore(f.db); err != nil {
		return err
	}
	if f.jobStore, err = NewJobStore(f.db); err != nil {
		return err
	}
	if f.reportStore, err = NewReportStore(f.db); err != nil {
		return err
	}
	if f.alertStore, err = NewAlertStore(f.db); err != nil {
		return err
	}
	if f.settingsStore, err = NewSettingsStore(f.db); err != nil {
		return err
	}
	if f.monitoredAdStore, err = NewMonitoredAdStore(f.db); err != nil {
		return err
	}
	if f.targetStore, err = NewNotificationTargetStore(f.db); err != nil {
		return err
	}
	if f.dispatchLedger, err = NewDispatchLedger(f.db); err != nil {
		return err
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

