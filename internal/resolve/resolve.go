// Package resolve maps normalized values onto resources kept by a
// model.ResourceStore.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/CZERTAINLY/Radar/internal/model"
)

// IPAddress resolves an address value into an IPAddress resource keyed by
// the canonical address.
func IPAddress(ctx context.Context, store model.ResourceStore, v model.Value) (model.Resolution, error) {
	addr, ok := v.Addr()
	if !ok {
		return model.Resolution{}, fmt.Errorf("resolve ip address: unexpected value %s", v)
	}
	r, created, err := FindOrCreate(ctx, store, model.IPAddressKey(addr.String()))
	if err != nil {
		return model.Resolution{}, err
	}
	res := model.Resolution{Resource: r}
	if created {
		res.Created = append(res.Created, r)
	}
	return res, nil
}

// OpenPort resolves a port value into an OpenPort resource. The Port it
// links to is resolved first, so Created lists the Port before the OpenPort.
func OpenPort(ctx context.Context, store model.ResourceStore, v model.Value) (model.Resolution, error) {
	number, proto, ok := v.Port()
	if !ok {
		return model.Resolution{}, fmt.Errorf("resolve open port: unexpected value %s", v)
	}

	var res model.Resolution
	pr, portCreated, err := FindOrCreate(ctx, store, model.PortKey(proto, number))
	if err != nil {
		return model.Resolution{}, err
	}
	port, ok := pr.(*model.Port)
	if !ok {
		return model.Resolution{}, fmt.Errorf("store returned %T for %s", pr, pr.Key())
	}
	if portCreated {
		res.Created = append(res.Created, port)
	}

	or, openCreated, err := FindOrCreate(ctx, store, model.OpenPortKey(proto, number))
	if err != nil {
		return model.Resolution{}, err
	}
	open, ok := or.(*model.OpenPort)
	if !ok {
		return model.Resolution{}, fmt.Errorf("store returned %T for %s", or, or.Key())
	}
	if openCreated || open.Port == nil {
		open.Port = port
	}
	if openCreated {
		res.Created = append(res.Created, open)
	}
	res.Resource = open
	return res, nil
}

// FindOrCreate calls store.FindOrCreate and re-fetches once when the store
// reports a concurrent duplicate-create.
func FindOrCreate(ctx context.Context, store model.ResourceStore, key model.ResourceKey) (model.Resource, bool, error) {
	r, created, err := store.FindOrCreate(ctx, key)
	if errors.Is(err, model.ErrConflict) {
		r, created, err = store.FindOrCreate(ctx, key)
	}
	if err != nil {
		return nil, false, &model.StoreError{Key: key, Err: err}
	}
	return r, created, nil
}

// Commit persists the created records of res in order. A record somebody
// else committed meanwhile is replaced by the stored one and dropped from
// Created, so the returned Resolution lists only what this call persisted.
func Commit(ctx context.Context, store model.ResourceStore, res model.Resolution) (model.Resolution, error) {
	committed := make([]model.Resource, 0, len(res.Created))
	for _, r := range res.Created {
		err := store.Commit(ctx, r)
		if err == nil {
			committed = append(committed, r)
			continue
		}
		if !errors.Is(err, model.ErrConflict) {
			return res, &model.StoreError{Key: r.Key(), Err: err}
		}
		stored, created, ferr := store.FindOrCreate(ctx, r.Key())
		if ferr != nil {
			return res, &model.StoreError{Key: r.Key(), Err: ferr}
		}
		if created {
			return res, &model.StoreError{Key: r.Key(), Err: fmt.Errorf("%w: conflict reported but record is missing", model.ErrConflict)}
		}
		res = swap(res, r, stored)
	}
	res.Created = committed
	return res, nil
}

// swap replaces old by stored and fixes the OpenPort -> Port link.
func swap(res model.Resolution, old, stored model.Resource) model.Resolution {
	if res.Resource == old {
		res.Resource = stored
	}
	port, ok := stored.(*model.Port)
	if !ok {
		return res
	}
	for _, c := range append([]model.Resource{res.Resource}, res.Created...) {
		if open, ok := c.(*model.OpenPort); ok && model.Resource(open.Port) == old {
			open.Port = port
		}
	}
	return res
}
