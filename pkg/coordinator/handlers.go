package coordinator

import (
	"context"
	"fmt"

	"github.com/daviddao/peermesh/pkg/messaging"
	"github.com/daviddao/peermesh/pkg/model"
)

func (c *Coordinator) installDefaultHandlers() {
	c.channel.Handle(model.KindHealthCheck, messaging.HandlerFunc(c.replyHealth))
	c.channel.Handle(model.KindTaskHandoff, messaging.HandlerFunc(c.logHandoff))
	c.channel.Handle(model.KindConflict, messaging.HandlerFunc(c.logConflict))
	c.channel.Handle(model.KindTaskRequest, messaging.HandlerFunc(c.logTaskRequest))
}

// replyHealth answers a health-check with a status-update carrying the
// current health report. Requests older than the stale timeout are
// dropped, which keeps a newly joined agent from answering the broadcast
// backlog.
func (c *Coordinator) replyHealth(_ context.Context, msg model.Message) error {
	self := c.SelfID()
	if self == "" || msg.Sender == self {
		return nil
	}
	if age := c.now().Sub(msg.Timestamp); age > c.registry.StaleTimeout() {
		c.log().Debug("ignoring old health-check", "id", msg.ID, "from", msg.Sender, "age", age)
		return nil
	}
	report, err := c.CheckHealth()
	if err != nil {
		return fmt.Errorf("health for %s: %w", msg.Sender, err)
	}
	_, err = c.channel.Send(model.Message{
		Sender:    self,
		Recipient: msg.Sender,
		Kind:      model.KindStatusUpdate,
		Payload: model.MessagePayload{
			Status: &model.StatusPayload{State: "health-report", Detail: msg.ID},
			Health: &report,
		},
	})
	return err
}

func (c *Coordinator) logHandoff(_ context.Context, msg model.Message) error {
	h := msg.Payload.Handoff
	c.log().Info("handoff received", "task_id", h.TaskID, "from", h.FromInstance, "reason", h.Reason)
	return nil
}

func (c *Coordinator) logConflict(_ context.Context, msg model.Message) error {
	a := msg.Payload.Conflict
	c.log().Info("conflict alert", "kind", string(a.Kind), "task_a", a.TaskA, "task_b", a.TaskB,
		"winner", a.Winner, "from", msg.Sender)
	return nil
}

func (c *Coordinator) logTaskRequest(_ context.Context, msg model.Message) error {
	t := msg.Payload.Task
	c.log().Info("task request received", "task_id", t.ID, "type", t.Type,
		"priority", t.Priority, "from", msg.Sender)
	return nil
}
