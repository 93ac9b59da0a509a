package notifier

import (
	"context"
	"errors"
	"fmt"
)

// Fanout sends every notification through each notifier in order.
type Fanout []Notifier

var _ Notifier = Fanout(nil)

func (Fanout) Name() string { return "fanout" }

// Capabilities reports what any member supports.
func (f Fanout) Capabilities() Capabilities {
	var c Capabilities
	for _, n := range f {
		nc := n.Capabilities()
		c.RichFormatting = c.RichFormatting || nc.RichFormatting
		c.Links = c.Links || nc.Links
	}
	return c
}

// Send tries all members and joins their errors.
func (f Fanout) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, member := range f {
		if err := member.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", member.Name(), err))
		}
	}
	return errors.Join(errs...)
}
