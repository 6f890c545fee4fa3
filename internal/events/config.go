package events

import (
	"fmt"
	"time"

	tlspkg "github.com/szibis/profile-governor/internal/tls"
)

// Config configures the recorder and its sinks.
type Config struct {
	Sinks     []string
	FilePath  string
	HTTPURL   string
	Headers   map[string]string
	Buffer    int
	MemoryMax int
	Timeout   time.Duration
}

// New builds an AsyncRecorder with the configured sinks. The memory sink is
// always attached so recent events can be served by the health endpoint;
// it is returned separately.
func New(cfg Config) (*AsyncRecorder, *MemorySink, error) {
	mem := NewMemorySink(cfg.MemoryMax)
	sinks := []Sink{mem}
	for _, name := range cfg.Sinks {
		switch name {
		case SinkLog:
			sinks = append(sinks, LogSink{})
		case SinkFile:
			fs, err := NewFileSink(cfg.FilePath)
			if err != nil {
				closeSinks(sinks)
				return nil, nil, err
			}
			sinks = append(sinks, fs)
		case SinkHTTP:
			client, err := tlspkg.NewHTTPClient(tlspkg.HTTPClientOptions{
				Timeout: cfg.Timeout,
				Headers: cfg.Headers,
			})
			if err != nil {
				closeSinks(sinks)
				return nil, nil, err
			}
			hs, err := NewHTTPSink(cfg.HTTPURL, client)
			if err != nil {
				closeSinks(sinks)
				return nil, nil, err
			}
			sinks = append(sinks, hs)
		case SinkMemory:
		default:
			closeSinks(sinks)
			return nil, nil, fmt.Errorf("unknown event sink %q", name)
		}
	}
	return NewAsync(cfg.Buffer, cfg.Timeout, sinks...), mem, nil
}

func closeSinks(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}
