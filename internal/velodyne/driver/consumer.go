package driver

import (
	"context"
	"errors"
)

// ScanConsumer receives completed scans. The driver does not touch a scan
// after handing it over.
type ScanConsumer interface {
	ConsumeScan(ctx context.Context, scan *Scan) error
}

// ConsumerFunc adapts a function to ScanConsumer.
type ConsumerFunc func(ctx context.Context, scan *Scan) error

func (f ConsumerFunc) ConsumeScan(ctx context.Context, scan *Scan) error {
	return f(ctx, scan)
}

// MultiConsumer hands each scan to every consumer in order. All consumers
// are called even when one fails; the errors are joined.
type MultiConsumer []ScanConsumer

func (m MultiConsumer) ConsumeScan(ctx context.Context, scan *Scan) error {
	var errs []error
	for _, c := range m {
		if c == nil {
			continue
		}
		if err := c.ConsumeScan(ctx, scan); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
