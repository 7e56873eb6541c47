package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/executor"
)

// SubjectDispatch is the request subject prefix for action execution.
const SubjectDispatch = "dispatch"

func dispatchSubject(actionCode string) string {
	return SubjectDispatch + "." + actionCode
}

// dispatchRequest is the wire format sent to action handlers listening
// on dispatch.{action_code}.
type dispatchRequest struct {
	ActionCode string         `json:"action_code"`
	EntityID   string         `json:"entity_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// NATSDispatcher sends actions to external handlers via NATS
// request-reply. Each action code has its own subject, so handlers
// subscribe only to the actions they implement. A missing handler
// surfaces as a no-responders error and is treated like any other
// dispatch failure.
type NATSDispatcher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSDispatcher creates a dispatcher on an established connection.
func NewNATSDispatcher(nc *nats.Conn, logger *zap.Logger) *NATSDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSDispatcher{nc: nc, logger: logger}
}

// Dispatch sends the action to dispatch.{action_code} and waits for the
// handler's reply. The caller bounds the wait through ctx.
func (d *NATSDispatcher) Dispatch(ctx context.Context, actionCode, entityID string, parameters map[string]any) (*executor.DispatchResult, error) {
	data, err := json.Marshal(dispatchRequest{
		ActionCode: actionCode,
		EntityID:   entityID,
		Parameters: parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch request: %w", err)
	}

	subject := dispatchSubject(actionCode)
	msg, err := d.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", subject, err)
	}

	var result executor.DispatchResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch reply: %w", err)
	}

	d.logger.Debug("action dispatched",
		zap.String("action_code", actionCode),
		zap.String("entity_id", entityID),
		zap.String("status", result.Status))
	return &result, nil
}
