package coordinator

import (
	"context"

	"github.com/daviddao/peermesh/pkg/messaging"
	"github.com/daviddao/peermesh/pkg/model"
)

func messagingFunc(fn func(model.Message)) messaging.Handler {
	return messaging.HandlerFunc(func(_ context.Context, m model.Message) error {
		fn(m)
		return nil
	})
}
