package logcollection

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
)

// SinkProvider hands out the writable stream a launched service's stdout
// and stderr are redirected to. The launcher owns and closes the sink.
type SinkProvider interface {
	Open(serviceID string) (io.WriteCloser, error)
	// Location describes where output for serviceID ends up, for user-facing messages.
	Location(serviceID string) string
}

type fileSinkProvider struct {
	directory string
	logger    logging.Logger
	now       func() time.Time
}

// NewFileSinkProvider writes each service's output to <directory>/<id>.log,
// appending across launches.
func NewFileSinkProvider(directory string, logger logging.Logger) SinkProvider {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &fileSinkProvider{directory: directory, logger: logger, now: time.Now}
}

func (p *fileSinkProvider) Location(serviceID string) string {
	return filepath.Join(p.directory, serviceID+".log")
}

func (p *fileSinkProvider) Open(serviceID string) (io.WriteCloser, error) {
	if serviceID == "" || strings.ContainsAny(serviceID, `/\`) || serviceID == "." || serviceID == ".." {
		return nil, errors.NewValidationError("invalid service id for log file", nil).WithContext("service_id", serviceID)
	}

	if err := os.MkdirAll(p.directory, 0755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("directory", p.directory)
	}

	path := p.Location(serviceID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open service log", err).WithContext("path", path)
	}

	if _, err := fmt.Fprintf(file, "=== %s launching %s ===\n", p.now().Format(time.RFC3339), serviceID); err != nil {
		file.Close()
		return nil, errors.NewIOError("failed to write service log header", err).WithContext("path", path)
	}

	p.logger.Debugf("Service log opened, service: %s, path: %s", serviceID, path)
	return file, nil
}

type discardSinkProvider struct{}

// NewDiscardSinkProvider drops all service output.
func NewDiscardSinkProvider() SinkProvider {
	return discardSinkProvider{}
}

func (discardSinkProvider) Open(serviceID string) (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}

func (discardSinkProvider) Location(serviceID string) string {
	return os.DevNull
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
