package rtms

import (
	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"

	"go.uber.org/zap"
)

// Dependencies are shared by every client a factory creates.
type Dependencies struct {
	Registry ports.ConnectionRegistry
	Metrics  ports.MetricsRecorder
	Status   ports.StatusSink
	Logger   *zap.SugaredLogger

	dial dialFunc
}

type ClientFactory struct {
	opts Options
	deps Dependencies
}

func NewClientFactory(opts Options, deps Dependencies) *ClientFactory {
	return &ClientFactory{opts: opts, deps: deps}
}

var _ ports.ClientFactory = (*ClientFactory)(nil)

func (f *ClientFactory) NewSignalingClient(identity domain.SessionIdentity, url string, launch ports.MediaLauncher) ports.SessionClient {
	return NewSignalingClient(identity, url, launch, f.opts, f.deps)
}

func (f *ClientFactory) NewMediaClient(identity domain.SessionIdentity, url string, pipeline ports.CapturePipeline) ports.MediaSession {
	return NewMediaClient(identity, url, pipeline, f.opts, f.deps)
}
