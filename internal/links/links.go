// Package links provides a small set of reference link.Callable
// implementations: bundled no-op/filter/failing fixtures and a minimal
// tag-writer demonstrating a link
// that mutates a vCon through the V store. Concrete business-logic links
// (transcription, LLM analysis, routing) are out of scope; this package only supplies what the core itself needs to
// exercise and test the link contract.
package links

import (
	"context"

	"github.com/oriys/conserver/internal/link"
	"github.com/oriys/conserver/internal/vcon"
)

// Noop always continues, unconditionally. Used as the trivial chain link
// in tests and as a harmless placeholder in example chain configs.
var Noop = link.CallableFunc(func(_ context.Context, _, _ string, _ link.Options) link.Outcome {
	return link.Continue()
})

// FilterAlways always returns the FILTER_OUT sentinel.
var FilterAlways = link.CallableFunc(func(_ context.Context, _, _ string, _ link.Options) link.Outcome {
	return link.Filter()
})

// Failing always fails with a fixed error; used to exercise the
// link_failure DLQ path.
var Failing = link.CallableFunc(func(_ context.Context, _, _ string, _ link.Options) link.Outcome {
	return link.Fail(errAlwaysFails)
})

var errAlwaysFails = linkError("links: fixed failure")

type linkError string

func (e linkError) Error() string { return string(e) }

// Tagger appends a single tag to the vCon identified by uuid, taken from
// the "name" and "value" string options. A missing or empty "name" fails
// the link; a missing "value" is stored as an empty string.
type Tagger struct {
	vcons *vcon.Store
}

// NewTagger creates a Tagger against the shared V store.
func NewTagger(vcons *vcon.Store) *Tagger {
	return &Tagger{vcons: vcons}
}

func (t *Tagger) Run(ctx context.Context, uuid, _ string, opts link.Options) link.Outcome {
	name, _ := opts["name"].(string)
	value, _ := opts["value"].(string)
	if name == "" {
		return link.Fail(errMissingTagName)
	}

	doc, err := t.vcons.Get(ctx, uuid)
	if err != nil {
		return link.Fail(err)
	}
	doc.Tags = append(doc.Tags, vcon.Tag{Name: name, Value: value})
	if err := t.vcons.Put(ctx, doc); err != nil {
		return link.Fail(err)
	}
	return link.Continue()
}

var errMissingTagName = linkError("links: tagger requires a non-empty \"name\" option")
