package control

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/launcher"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
	"github.com/core-tools/hsu-devportal-go/pkg/supervisor"
	"github.com/core-tools/hsu-devportal-go/pkg/targetlock"

	"github.com/google/uuid"
)

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindOperational ErrorKind = "operational"
)

var (
	ErrInvalidTarget = errors.NewCodedError(errors.ErrorTypeValidation, "invalid_target", "unknown target")
	ErrInvalidAction = errors.NewCodedError(errors.ErrorTypeValidation, "invalid_action", "unknown action")
)

type Request struct {
	Target string `json:"target"`
	Action Action `json:"action"`
}

// Result is either a definite success or a definite failure. Benign no-ops
// (already running, already stopped, ...) are successes with Outcome and
// Message explaining what was found.
type Result struct {
	Success   bool      `json:"success"`
	Target    string    `json:"target"`
	Action    Action    `json:"action"`
	Outcome   string    `json:"outcome,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	RequestID string    `json:"requestId"`
}

// ServiceCatalog resolves service targets.
type ServiceCatalog interface {
	Get(id string) (registry.ServiceDescriptor, bool)
}

// ServiceLauncher starts and stops individual services by port.
type ServiceLauncher interface {
	Launch(ctx context.Context, desc registry.ServiceDescriptor) (launcher.LaunchResult, error)
	Stop(ctx context.Context, desc registry.ServiceDescriptor, grace time.Duration) (launcher.TerminateResult, error)
	Restart(ctx context.Context, desc registry.ServiceDescriptor, grace time.Duration) (launcher.LaunchResult, error)
}

// TargetLocker provides per-target mutual exclusion.
type TargetLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type requestIDKey struct{}

// WithRequestID attaches an externally assigned request id (for example an
// HTTP X-Request-ID) so Control reports it instead of minting a new one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type outcome struct {
	name    string
	message string
}

type suiteHandler func(ctx context.Context) (outcome, error)
type serviceHandler func(ctx context.Context, desc registry.ServiceDescriptor) (outcome, error)

// Reconciler maps (target, action) requests onto supervisor and launcher
// calls. It holds no state between calls besides the per-target locks.
type Reconciler struct {
	services   ServiceCatalog
	supervisor supervisor.Supervisor
	launcher   ServiceLauncher
	locks      TargetLocker
	grace      time.Duration
	logger     logging.Logger

	newRequestID   func() string
	suiteActions   map[Action]suiteHandler
	serviceActions map[Action]serviceHandler
}

func NewReconciler(services ServiceCatalog, sup supervisor.Supervisor, svcLauncher ServiceLauncher, locks TargetLocker, grace time.Duration, logger logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if grace <= 0 {
		grace = registry.DefaultGraceTimeout
	}
	if locks == nil {
		locks = targetlock.New("", logger)
	}

	r := &Reconciler{
		services:     services,
		supervisor:   sup,
		launcher:     svcLauncher,
		locks:        locks,
		grace:        grace,
		logger:       logger,
		newRequestID: func() string { return uuid.New().String() },
	}

	r.suiteActions = map[Action]suiteHandler{
		ActionStart:   r.suiteStart,
		ActionStop:    r.suiteStop,
		ActionRestart: r.suiteRestart,
	}
	r.serviceActions = map[Action]serviceHandler{
		ActionStart:   r.serviceStart,
		ActionStop:    r.serviceStop,
		ActionRestart: r.serviceRestart,
	}
	return r
}

// Validate checks a request against the registry and the action set
// without touching the OS.
func (r *Reconciler) Validate(req Request) error {
	if req.Target != registry.SuiteTargetID {
		if _, ok := r.services.Get(req.Target); !ok {
			return ErrInvalidTarget.WithContext("target", req.Target)
		}
	}
	if _, ok := r.suiteActions[req.Action]; !ok {
		return ErrInvalidAction.WithContext("action", string(req.Action))
	}
	return nil
}

// Control validates and executes a request while holding the target's lock.
func (r *Reconciler) Control(ctx context.Context, req Request) Result {
	requestID := RequestIDFrom(ctx)
	if requestID == "" {
		requestID = r.newRequestID()
	}
	result := Result{Target: req.Target, Action: req.Action, RequestID: requestID}

	if err := r.Validate(req); err != nil {
		r.logger.Warnf("Control request rejected, request: %s, target: %q, action: %q, error: %v", result.RequestID, req.Target, req.Action, err)
		return fail(result, ErrorKindValidation, err)
	}

	r.logger.Infof("Control request received, request: %s, target: %s, action: %s", result.RequestID, req.Target, req.Action)

	release, err := r.locks.Acquire(ctx, req.Target)
	if err != nil {
		return fail(result, ErrorKindOperational, err)
	}
	defer release()

	var out outcome
	if req.Target == registry.SuiteTargetID {
		out, err = r.suiteActions[req.Action](ctx)
	} else {
		desc, _ := r.services.Get(req.Target)
		out, err = r.serviceActions[req.Action](ctx, desc)
	}

	if err != nil {
		r.logger.Errorf("Control request failed, request: %s, target: %s, action: %s, error: %v", result.RequestID, req.Target, req.Action, err)
		return fail(result, ErrorKindOperational, err)
	}

	result.Success = true
	result.Outcome = out.name
	result.Message = out.message
	r.logger.Infof("Control request completed, request: %s, outcome: %s, message: %s", result.RequestID, out.name, out.message)
	return result
}

func fail(result Result, kind ErrorKind, err error) Result {
	result.Success = false
	result.ErrorKind = kind
	result.Error = err.Error()
	result.Message = summary(err)
	return result
}

func summary(err error) string {
	var de *errors.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func (r *Reconciler) suiteStart(ctx context.Context) (outcome, error) {
	err := r.supervisor.Load(ctx)
	switch {
	case err == nil:
		return outcome{"loaded", "suite loaded"}, nil
	case errors.Is(err, supervisor.ErrAlreadyLoaded):
		return outcome{"already_loaded", "suite already loaded"}, nil
	default:
		return outcome{}, err
	}
}

func (r *Reconciler) suiteStop(ctx context.Context) (outcome, error) {
	err := r.supervisor.Unload(ctx)
	switch {
	case err == nil:
		return outcome{"unloaded", "suite unloaded"}, nil
	case errors.Is(err, supervisor.ErrNotLoaded):
		return outcome{"not_loaded", "suite was not loaded"}, nil
	default:
		return outcome{}, err
	}
}

func (r *Reconciler) suiteRestart(ctx context.Context) (outcome, error) {
	if err := r.supervisor.Kick(ctx); err != nil {
		return outcome{}, err
	}
	return outcome{"restarted", "suite restarted"}, nil
}

func (r *Reconciler) serviceStart(ctx context.Context, desc registry.ServiceDescriptor) (outcome, error) {
	res, err := r.launcher.Launch(ctx, desc)
	if err != nil {
		return outcome{}, err
	}
	return launchOutcome(desc, res), nil
}

func (r *Reconciler) serviceStop(ctx context.Context, desc registry.ServiceDescriptor) (outcome, error) {
	res, err := r.launcher.Stop(ctx, desc, r.grace)
	if err != nil {
		return outcome{}, err
	}

	switch res.Outcome {
	case launcher.AlreadyStopped:
		return outcome{string(res.Outcome), fmt.Sprintf("%s was not running", desc.ID)}, nil
	case launcher.Killed:
		return outcome{string(res.Outcome), fmt.Sprintf("%s killed after %v grace period", desc.ID, r.grace)}, nil
	default:
		return outcome{string(res.Outcome), fmt.Sprintf("%s stopped", desc.ID)}, nil
	}
}

func (r *Reconciler) serviceRestart(ctx context.Context, desc registry.ServiceDescriptor) (outcome, error) {
	res, err := r.launcher.Restart(ctx, desc, r.grace)
	if err != nil {
		return outcome{}, err
	}
	out := launchOutcome(desc, res)
	if res.Outcome == launcher.Started {
		out.name = "restarted"
		out.message = fmt.Sprintf("%s restarted (pid %d)", desc.ID, res.PID)
	}
	return out, nil
}

func launchOutcome(desc registry.ServiceDescriptor, res launcher.LaunchResult) outcome {
	if res.Outcome == launcher.AlreadyRunning {
		return outcome{string(res.Outcome), fmt.Sprintf("%s already running on port %d (pids %v)", desc.ID, desc.PrimaryPort(), res.PIDs)}
	}
	return outcome{string(res.Outcome), fmt.Sprintf("%s started (pid %d), logs: %s", desc.ID, res.PID, res.LogPath)}
}
