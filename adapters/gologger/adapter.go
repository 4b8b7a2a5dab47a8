// Package gologger resolves the runtime's named loggers and bridges them to
// go-job's logger contract.
package gologger

import (
	"strings"

	"github.com/goliatone/go-alignment/core"
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const RootName = "alignment"

// Loggers hands out one logger per runtime component, named
// "alignment.<component>".
type Loggers struct {
	provider glog.LoggerProvider
	root     glog.Logger
}

// New resolves with provider > logger > nop precedence.
func New(provider glog.LoggerProvider, logger glog.Logger) Loggers {
	provider, logger = glog.Resolve(RootName, provider, logger)
	return Loggers{provider: provider, root: logger}
}

func (l Loggers) Root() glog.Logger {
	if l.root == nil {
		return glog.Nop()
	}
	return l.root
}

func (l Loggers) Named(component string) glog.Logger {
	component = strings.TrimSpace(component)
	if component == "" || l.provider == nil {
		return l.Root()
	}
	if logger := l.provider.GetLogger(RootName + "." + component); logger != nil {
		return logger
	}
	return l.Root()
}

// Observer returns the component's observer reporting to metrics.
func (l Loggers) Observer(component string, metrics core.MetricsRecorder) *core.Observer {
	return core.NewObserver(l.Named(component), metrics)
}

func (l Loggers) JobProvider() job.LoggerProvider {
	if l.provider == nil {
		return nil
	}
	return job.GoLoggerProvider(l.provider)
}

func (l Loggers) JobLogger() job.Logger {
	return job.GoLogger(l.Root())
}
