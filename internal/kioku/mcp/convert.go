package mcp

import (
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func objectOutput(o world.Object) ObjectOutput {
	props := map[string]any{}
	for k, v := range o.Properties {
		props[k] = v
	}
	return ObjectOutput{
		ID:           o.ID,
		Name:         o.Name,
		Description:  o.Description,
		Location:     o.Location.String(),
		Properties:   props,
		Version:      o.Version,
		CreatedAt:    timestamp(o.CreatedAt),
		LastModified: timestamp(o.LastModified),
	}
}

func objectOutputs(objects []world.Object) []ObjectOutput {
	out := make([]ObjectOutput, 0, len(objects))
	for _, o := range objects {
		out = append(out, objectOutput(o))
	}
	return out
}

func locationOutput(l world.Location) LocationOutput {
	conns := map[string]string{}
	for dir, target := range l.Connections {
		conns[dir] = target
	}
	props := map[string]any{}
	for k, v := range l.Properties {
		props[k] = v
	}
	return LocationOutput{
		ID:          l.ID,
		Name:        l.Name,
		Description: l.Description,
		Connections: conns,
		Properties:  props,
		CreatedAt:   timestamp(l.CreatedAt),
	}
}

func eventOutput(e world.Event) EventOutput {
	return EventOutput{
		Seq:        e.Seq,
		ID:         e.ID,
		Timestamp:  timestamp(e.Timestamp),
		Type:       string(e.Type),
		Actor:      e.Actor,
		Action:     e.Action,
		Target:     e.Target,
		LocationID: e.LocationID,
		Context:    e.Context,
	}
}

func eventOutputs(events []world.Event) []EventOutput {
	out := make([]EventOutput, 0, len(events))
	for _, e := range events {
		out = append(out, eventOutput(e))
	}
	return out
}
