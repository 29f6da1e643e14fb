package app

import (
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

type nopBus struct{}

func (nopBus) Publish(domain.Context, domain.ProgressEvent) error { return nil }

func (nopBus) Subscribe(domain.Context, string) (<-chan domain.ProgressEvent, func(), error) {
	ch := make(chan domain.ProgressEvent)
	close(ch)
	return ch, func() {}, nil
}
