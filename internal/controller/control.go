package controller

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/terminal-bench/settledrain/pkg/messaging"
)

// HandleControl applies one remote control command received over the
// broker. The commands mirror the HTTP lifecycle operations, so an
// operator can steer the drain from either surface; every accepted
// command lands in the evidence chain through the operation it
// triggers.
func (c *Controller) HandleControl(ctx context.Context, raw []byte) error {
	var cmd messaging.ControlCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return errors.Wrap(err, "parse control command")
	}

	switch cmd.Action {
	case messaging.ControlStart:
		_, err := c.Start(ctx)
		return err
	case messaging.ControlPause:
		reason := cmd.Reason
		if reason == "" {
			reason = "remote_control"
		}
		c.Pause(ctx, reason)
		return nil
	case messaging.ControlComplete:
		_, err := c.Complete(ctx)
		return err
	default:
		return errors.Errorf("unknown control action %q", cmd.Action)
	}
}
