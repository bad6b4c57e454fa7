package main

import "context"

type configKey struct{}

func withConfig(ctx context.Context, cfg config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFromContext(ctx context.Context) config {
	cfg, _ := ctx.Value(configKey{}).(config)
	return cfg
}
