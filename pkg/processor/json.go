package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// ErrInvalidBody is returned when a task body cannot be decoded into the handler's payload type.
var ErrInvalidBody = errors.New("processor: invalid task body")

// JSON adapts a typed handler to a HandlerFunc by decoding the task body as JSON.
// An empty body yields the zero value of P.
//
// Example:
//
//	type ReportPayload struct{ AccountID string `json:"account_id"` }
//
//	p := processor.New("send_report", processor.JSON(func(ctx context.Context, p ReportPayload) error {
//	    return reports.Send(ctx, p.AccountID)
//	}))
func JSON[P any](fn func(context.Context, P) error) HandlerFunc {
	return func(ctx context.Context, t task.Task) error {
		var payload P
		if t.Body != "" {
			if err := json.Unmarshal([]byte(t.Body), &payload); err != nil {
				return errors.Join(ErrInvalidBody, err)
			}
		}
		return fn(ctx, payload)
	}
}

// Encode marshals v into a ClusterTask body for processors built with JSON.
func Encode(v any) (*task.ClusterTask, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrInvalidBody, err)
	}
	return task.New(string(raw)), nil
}
