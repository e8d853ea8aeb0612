// Copyright 2021 Molecula Corp. All rights reserved.

// Package jaeger builds a concrete opentracing.Tracer backed by Jaeger, for
// wiring into tracing.GlobalTracer at process startup.
package jaeger

import (
	"io"

	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/ankitprabhu/viewmerge/logger"
	"github.com/ankitprabhu/viewmerge/tracing"
	tracingopentracing "github.com/ankitprabhu/viewmerge/tracing/opentracing"
)

// New builds a Jaeger-backed tracing.Tracer reporting under serviceName,
// sampling every trace (suitable for the low-volume mergequery CLI; a
// long-running server would want a probabilistic sampler instead). The
// returned io.Closer must be closed on process exit to flush buffered
// spans.
func New(serviceName string, log logger.Logger) (tracing.Tracer, io.Closer, error) {
	cfg := jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: false,
		},
	}
	tr, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, nil, err
	}
	return tracingopentracing.NewTracer(tr, log), closer, nil
}
