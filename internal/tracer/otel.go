package tracer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/conserver/internal/observability"
)

// Common attribute keys for chain-run spans, following the observability
// package's attribute-key conventions.
var (
	attrChain      = attribute.Key("vcon.chain")
	attrUUID       = attribute.Key("vcon.uuid")
	attrDurationMs = attribute.Key("vcon.duration_ms")
	attrOutcome    = attribute.Key("vcon.outcome")
	attrLinksRun   = attribute.Key("vcon.links_run")
)

// OTel is a Tracer that records each chain run as a completed OpenTelemetry
// span, giving every chain run an audit trail via whatever trace backend
// observability.Init was configured with.
type OTel struct{}

// NewOTel creates an OTel-backed tracer. observability.Init must already
// have run; if tracing is disabled the underlying tracer is a no-op.
func NewOTel() OTel { return OTel{} }

func (OTel) Notify(ctx context.Context, event Event) {
	if !observability.Enabled() {
		return
	}

	linkNames := make([]string, 0, len(event.LinksRun))
	for _, l := range event.LinksRun {
		linkNames = append(linkNames, l.LinkName+":"+l.Outcome)
	}

	_, span := observability.Tracer().Start(ctx, "vcon.chain_run",
		trace.WithAttributes(
			attrChain.String(event.Chain),
			attrUUID.String(event.UUID),
			attrDurationMs.Int64(event.DurationMs),
			attrOutcome.String(event.Outcome),
			attrLinksRun.StringSlice(linkNames),
		),
	)
	defer span.End()

	if event.Outcome == "link_failure" || event.Outcome == "link_timeout" || event.Outcome == "storage_failure" || event.Outcome == "vcon_not_found" {
		span.SetStatus(codes.Error, event.Outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
