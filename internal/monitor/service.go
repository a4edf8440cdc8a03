package monitor

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Loop is anything that runs until its context ends.
type Loop interface {
	Start(ctx context.Context) error
}

// Service runs the monitoring loops side by side. Each loop stays
// sequential; a loop returning an error cancels the others.
type Service struct {
	loops  map[string]Loop
	logger *logrus.Logger
}

func NewService(logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{loops: make(map[string]Loop), logger: logger}
}

// Add registers a loop under name; a nil loop is ignored.
func (s *Service) Add(name string, loop Loop) *Service {
	if loop != nil {
		s.loops[name] = loop
	}
	return s
}

func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, loop := range s.loops {
		name, loop := name, loop
		g.Go(func() error {
			s.logger.WithField("loop", name).Info("loop started")
			err := loop.Start(ctx)
			s.logger.WithField("loop", name).Info("loop stopped")
			return err
		})
	}
	return g.Wait()
}
