package dict

import (
	"context"

	"posthorn.example/posthorn/internal/trace"
)

// Debug wraps a Map, logging every call via internal/trace and forwarding
// to the wrapped map. Useful when diagnosing a misbehaving table stack
// without having to instrument every backend individually.
type Debug struct {
	Wrapped Map
}

func (d *Debug) Name() string { return "debug(" + d.Wrapped.Name() + ")" }

func (d *Debug) Lookup(ctx context.Context, key string) (string, bool, error) {
	tr := trace.New("Dict.Debug", d.Wrapped.Name())
	defer tr.Finish()

	tr.Debugf("lookup %q", key)
	v, ok, err := d.Wrapped.Lookup(ctx, key)
	if err != nil {
		tr.Errorf("lookup %q: %v", key, err)
		return v, ok, err
	}
	if ok {
		tr.Debugf("lookup %q -> %q", key, v)
	} else {
		tr.Debugf("lookup %q -> not found", key)
	}
	return v, ok, nil
}
