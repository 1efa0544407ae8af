// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import "context"

// TracerProvider creates Tracers and owns their shared export pipeline.
type TracerProvider interface {
	// Tracer returns a tracer for the given instrumentation scope, e.g.
	// "coder.runner" or "coder.developloop".
	Tracer(name string) Tracer

	// Shutdown flushes pending spans and releases resources. Safe to
	// call more than once.
	Shutdown(ctx context.Context) error

	// ForceFlush exports all pending spans synchronously.
	ForceFlush(ctx context.Context) error
}

// Tracer creates spans within a specific instrumentation scope.
type Tracer interface {
	// Start begins a new span as a child of the context's current
	// span, or a root span if none is present. The returned context
	// carries the new span for propagation.
	Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanHandle)
}

// SpanHandle is a handle to an in-flight span.
type SpanHandle interface {
	End()
	SetStatus(code StatusCode, message string)
	SetAttributes(attrs map[string]any)
	RecordError(err error)
	SpanContext() TraceContext
}

// SpanOption configures span creation.
type SpanOption interface {
	apply(*spanConfig)
}

type spanConfig struct {
	kind  SpanKind
	attrs map[string]any
}

type spanOptionFunc func(*spanConfig)

func (f spanOptionFunc) apply(c *spanConfig) { f(c) }

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return spanOptionFunc(func(c *spanConfig) { c.kind = kind })
}

// WithAttributes sets initial span attributes.
func WithAttributes(attrs map[string]any) SpanOption {
	return spanOptionFunc(func(c *spanConfig) {
		if c.attrs == nil {
			c.attrs = make(map[string]any, len(attrs))
		}
		for k, v := range attrs {
			c.attrs[k] = v
		}
	})
}
