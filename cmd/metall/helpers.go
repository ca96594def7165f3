package main

import (
	"log/slog"

	metall "metallgo"
	"metallgo/internal/config"
)

func createManager(dir string, logger *slog.Logger, opts ...config.Option) (*metall.Manager, error) {
	mgr, err := metall.Create(dir, opts...)
	if err != nil {
		return nil, err
	}
	return mgr.WithLogger(logger), nil
}

func openManager(dir string, force, readOnly bool, logger *slog.Logger) (*metall.Manager, error) {
	var (
		mgr *metall.Manager
		err error
	)
	opts := []config.Option{config.WithReadOnly(readOnly)}
	if force {
		mgr, err = metall.OpenForce(dir, opts...)
	} else {
		mgr, err = metall.Open(dir, opts...)
	}
	if err != nil {
		return nil, err
	}
	return mgr.WithLogger(logger), nil
}
