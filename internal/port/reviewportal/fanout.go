package reviewportal

import (
	"context"
	"errors"
)

// Fanout announces through every portal in order. All portals are tried;
// the joined error reports the ones that failed.
type Fanout []Portal

// RequestReview implements Portal.
func (f Fanout) RequestReview(ctx context.Context, req Request) error {
	var errs []error
	for _, p := range f {
		if err := p.RequestReview(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
