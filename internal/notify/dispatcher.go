package notify

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/eval"
	"github.com/zmon/zmon-worker/internal/storage"
)

// GroupResolver expands group: and active: recipients to their members.
type GroupResolver interface {
	GroupMembers(ctx context.Context, group string, activeOnly bool) ([]string, error)
}

// Dispatcher evaluates notification expressions. Each registered
// transport is exposed as notify_<name> in the expression vocabulary;
// anything else the check language offers is deliberately absent.
type Dispatcher struct {
	logger     *zap.Logger
	transports sync.Map // name -> Transport
	groups     GroupResolver
	alertHost  string
}

// NewDispatcher creates a notification dispatcher. groups may be a
// storage.ResultStore or nil when group recipients are not used.
func NewDispatcher(groups GroupResolver, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.Named("notify"),
		groups: groups,
	}
}

// SetAlertHost configures the frontend hostname used to build the
// alert-detail link included with every notification.
func (d *Dispatcher) SetAlertHost(host string) {
	d.alertHost = host
}

// Register adds a transport under notify_<name>.
func (d *Dispatcher) Register(t Transport) {
	d.transports.Store(t.Name(), t)
}

// Names returns the registered transport names.
func (d *Dispatcher) Names() []string {
	var names []string
	d.transports.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

// Execute evaluates one notification expression bound to the request. It
// returns the repeat interval in seconds requested by the expression.
// Transport-level failures are logged and reported as no repeat so a
// broken channel never blocks the alert pipeline.
func (d *Dispatcher) Execute(ctx context.Context, expression string, req *Request) (int, error) {
	if req.Link == "" && req.Alert != nil {
		req.Link = AlertLink(d.alertHost, req.Alert.ID)
	}
	env := make(map[string]interface{})
	d.transports.Range(func(key, value interface{}) bool {
		name := key.(string)
		transport := value.(Transport)
		env["notify_"+name] = d.bind(ctx, transport, req)
		return true
	})

	result, err := eval.Evaluate(expression, env)
	if err != nil {
		var nerr *NotificationError
		if errors.As(err, &nerr) {
			d.logger.Warn("Notification delivery failed",
				zap.String("expression", expression),
				zap.Error(nerr))
			return 0, nil
		}
		return 0, err
	}

	switch repeat := result.(type) {
	case int:
		return repeat, nil
	case int64:
		return int(repeat), nil
	case float64:
		return int(repeat), nil
	default:
		return 0, nil
	}
}

// bind wraps a transport as an expression function taking recipients and
// an optional options map.
func (d *Dispatcher) bind(ctx context.Context, transport Transport, req *Request) func(args ...interface{}) (interface{}, error) {
	return func(args ...interface{}) (interface{}, error) {
		var recipients []string
		opts := Options{}
		if len(args) > 0 {
			var err error
			recipients, err = recipientsFromArg(args[0])
			if err != nil {
				return nil, err
			}
		}
		if len(args) > 1 {
			m, ok := args[1].(map[string]interface{})
			if !ok {
				return nil, NewNotificationError("notification options must be a map, got %T", args[1])
			}
			opts = Options(m)
		}

		resolved, err := d.resolveRecipients(ctx, recipients)
		if err != nil {
			return nil, err
		}

		repeat, err := transport.Send(ctx, req, resolved, opts)
		if err != nil {
			var nerr *NotificationError
			if errors.As(err, &nerr) {
				d.logger.Warn("Transport failed",
					zap.String("transport", transport.Name()),
					zap.Error(nerr))
				return 0, nil
			}
			return nil, err
		}
		return repeat, nil
	}
}

// resolveRecipients expands group:<id> to all members and active:<id> to
// the members currently on duty.
func (d *Dispatcher) resolveRecipients(ctx context.Context, recipients []string) ([]string, error) {
	var out []string
	for _, r := range recipients {
		var group string
		var activeOnly bool
		switch {
		case strings.HasPrefix(r, "group:"):
			group = strings.TrimPrefix(r, "group:")
		case strings.HasPrefix(r, "active:"):
			group = strings.TrimPrefix(r, "active:")
			activeOnly = true
		default:
			out = append(out, r)
			continue
		}
		if d.groups == nil {
			return nil, NewNotificationError("group recipient %s without a group resolver", r)
		}
		members, err := d.groups.GroupMembers(ctx, group, activeOnly)
		if err != nil {
			return nil, NewNotificationError("failed to resolve group %s: %v", group, err)
		}
		out = append(out, members...)
	}
	return out, nil
}

var _ GroupResolver = (storage.ResultStore)(nil)
