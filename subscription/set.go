package subscription

import (
	"github.com/pkg/errors"

	"github.com/sift-net/sift/conntrack"
	"github.com/sift-net/sift/filter"
	"github.com/sift-net/sift/stream"
)

// Decl is one subscription declaration as written by the user: a filter
// expression, the datatypes to deliver, and the callback name.
type Decl struct {
	Filter    string   `yaml:"filter"`
	Datatypes []string `yaml:"datatypes"`
	Callback  string   `yaml:"callback"`
}

// Subscription is a resolved declaration.
type Subscription struct {
	Spec      *filter.Spec
	Datatypes []Datatype
	Callback  Callback
}

func (s *Subscription) wantsDatatype(name string) bool {
	for _, dt := range s.Datatypes {
		if dt.Name == name {
			return true
		}
	}
	return false
}

// sessionProtos returns the L7 protocols whose sessions this subscription
// consumes, empty meaning any.
func (s *Subscription) sessionProtos() map[string]bool {
	out := map[string]bool{}
	for _, dt := range s.Datatypes {
		for _, p := range dt.Parsers {
			out[p] = true
		}
	}
	return out
}

// Set is the fixed subscription table of one build, shared read-only by
// all worker cores.
type Set struct {
	subs     []*Subscription
	engine   *filter.Engine
	registry *stream.Registry

	// level masks over subscription indices
	packetSubs  filter.Bitmap
	sessionSubs filter.Bitmap
	connSubs    filter.Bitmap
}

// Build resolves declarations into a subscription set: filters parsed and
// compiled, datatypes and callbacks resolved, parser registry fixed. All
// errors are build-time and name the offending subscription.
func Build(decls []Decl) (*Set, error) {
	if len(decls) == 0 {
		return nil, errors.New("no subscriptions declared")
	}
	set := &Set{}
	parserUnion := map[string]bool{}

	for i, decl := range decls {
		if len(decl.Datatypes) == 0 {
			return nil, errors.Errorf("subscription %d (%q): no datatypes requested", i, decl.Callback)
		}
		cb, err := LookupCallback(decl.Callback)
		if err != nil {
			return nil, errors.Wrapf(err, "subscription %d", i)
		}

		sub := &Subscription{Callback: cb}
		level := filter.LevelPacket
		var required []string
		for _, name := range decl.Datatypes {
			dt, err := LookupDatatype(name)
			if err != nil {
				return nil, errors.Wrapf(err, "subscription %d (%q)", i, decl.Callback)
			}
			sub.Datatypes = append(sub.Datatypes, dt)
			if dt.Level > level {
				level = dt.Level
			}
			required = append(required, dt.Parsers...)
		}

		spec, err := filter.NewSpec(i, decl.Callback, decl.Filter, level)
		if err != nil {
			return nil, errors.Wrapf(err, "subscription %d", i)
		}
		spec.RequiredParsers = required
		for _, dt := range sub.Datatypes {
			if dt.TracksPackets {
				spec.TracksPackets = true
			}
		}
		// Session datatypes under a connection-level subscription are
		// stashed until termination.
		if level == filter.LevelConnection {
			for _, dt := range sub.Datatypes {
				if dt.Level == filter.LevelSession {
					spec.TracksSessions = true
				}
			}
		}
		sub.Spec = spec

		for _, p := range spec.Parsers() {
			parserUnion[p] = true
		}
		switch level {
		case filter.LevelPacket:
			set.packetSubs = set.packetSubs.Set(i)
		case filter.LevelSession:
			set.sessionSubs = set.sessionSubs.Set(i)
		case filter.LevelConnection:
			set.connSubs = set.connSubs.Set(i)
		}
		set.subs = append(set.subs, sub)
	}

	specs := make([]*filter.Spec, len(set.subs))
	for i, sub := range set.subs {
		specs[i] = sub.Spec
	}
	engine, err := filter.Compile(specs)
	if err != nil {
		return nil, err
	}
	set.engine = engine

	protos := make([]string, 0, len(parserUnion))
	for _, name := range filter.ApplicationProtocols() {
		if parserUnion[name] {
			protos = append(protos, name)
		}
	}
	registry, err := stream.NewRegistry(protos)
	if err != nil {
		return nil, err
	}
	set.registry = registry
	return set, nil
}

// Engine returns the compiled filter engine.
func (s *Set) Engine() *filter.Engine { return s.engine }

// Registry returns the parser registry.
func (s *Set) Registry() *stream.Registry { return s.registry }

// Subscriptions returns the resolved subscription table.
func (s *Set) Subscriptions() []*Subscription { return s.subs }

// NewTracked creates the per-connection tracked state union.
func (s *Set) NewTracked() conntrack.Trackable {
	return &TrackedData{set: s}
}

// needsFrames reports whether any subscription in mask keeps a frame list.
func (s *Set) needsFrames(mask filter.Bitmap) bool {
	found := false
	mask.ForEach(func(i int) {
		if s.subs[i].Spec.TracksPackets {
			found = true
		}
	})
	return found
}

// needsRecord reports whether any subscription in mask tracks counters.
func (s *Set) needsRecord(mask filter.Bitmap) bool {
	found := false
	mask.ForEach(func(i int) {
		for _, dt := range s.subs[i].Datatypes {
			if dt.TracksRecord {
				found = true
			}
		}
	})
	return found
}
