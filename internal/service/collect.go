package service

import (
	"context"
	"errors"

	"github.com/CZERTAINLY/Radar/internal/model"
)

// ScanValues runs scanner against targets and collects the distinct values
// found. Per result failures are joined into the returned error, the values
// found so far are returned anyway.
func (s *Service) ScanValues(ctx context.Context, scanner string, targets ...string) ([]model.Value, error) {
	run, _, err := s.Scan(ctx, model.ScanConfig{Scanner: scanner, Targets: targets})
	if err != nil {
		return nil, err
	}
	var values []model.Value
	var errs []error
	for ev := range run.Values() {
		if ev.Err != nil {
			errs = append(errs, ev.Err)
			continue
		}
		values = append(values, ev.Value)
	}
	return values, errors.Join(errs...)
}

// ScanResources runs scanner against targets and collects the resolved
// resources, like ScanValues does for values.
func (s *Service) ScanResources(ctx context.Context, scanner string, targets ...string) ([]model.Resource, error) {
	run, _, err := s.Scan(ctx, model.ScanConfig{Scanner: scanner, Targets: targets})
	if err != nil {
		return nil, err
	}
	var resources []model.Resource
	var errs []error
	for ev := range run.Resources() {
		if ev.Err != nil {
			errs = append(errs, ev.Err)
			continue
		}
		resources = append(resources, ev.Resource)
	}
	return resources, errors.Join(errs...)
}
