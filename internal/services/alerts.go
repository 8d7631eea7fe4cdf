package services

import (
	"context"

	"go.uber.org/zap"
)

// LogAlerter writes alerts to the log only.
type LogAlerter struct {
	Log *zap.Logger
}

func (a LogAlerter) Alert(_ context.Context, subject string, fields map[string]string) error {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("subject", subject))
	for k, v := range fields {
		zf = append(zf, zap.String(k, v))
	}
	a.Log.Error("operator alert", zf...)
	return nil
}

// FanoutAlerter delivers to every alerter and reports the first failure.
type FanoutAlerter []Alerter

func (f FanoutAlerter) Alert(ctx context.Context, subject string, fields map[string]string) error {
	var first error
	for _, a := range f {
		if err := a.Alert(ctx, subject, fields); err != nil && first == nil {
			first = err
		}
	}
	return first
}
