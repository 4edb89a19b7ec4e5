package subscription

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sift-net/sift/conntrack"
	"github.com/sift-net/sift/memory"
	"github.com/sift-net/sift/stats"
	"github.com/sift-net/sift/stream"
)

// Delivery is what a callback receives. Only the fields matching the
// subscription's datatypes are populated; views borrow from tracked state
// and are valid for the duration of the call unless cloned.
type Delivery struct {
	Callback string
	ConnId   conntrack.ConnId

	// Record is set for ConnRecord subscriptions, at termination.
	Record *ConnRecord
	// Session is set for session datatypes, once per matching session.
	Session stream.Session
	// Frame is set for Frame subscriptions, once per matching packet.
	Frame *memory.Mbuf
	// Frames is set for FrameList subscriptions, at termination.
	Frames []*memory.Mbuf
}

// Callback consumes deliveries on the worker core. A callback that blocks
// stalls its core; hand off through a dispatch ring for heavy work.
type Callback func(*Delivery)

var callbacks = make(map[string]Callback)

// RegisterCallback makes a callback available to subscription declarations
// under the given name. Applications register at init time; declarations
// referencing unknown names fail the build.
func RegisterCallback(name string, cb Callback) {
	callbacks[name] = cb
}

// RegisteredCallbacks lists the registered callback names sorted.
func RegisteredCallbacks() []string {
	out := make([]string, 0, len(callbacks))
	for name := range callbacks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LookupCallback resolves a callback name.
func LookupCallback(name string) (Callback, error) {
	cb, ok := callbacks[name]
	if !ok {
		return nil, errors.Errorf("dangling callback %q (registered: %v)", name, RegisteredCallbacks())
	}
	return cb, nil
}

// invoke runs a callback, isolating panics at the worker boundary.
func invoke(cb Callback, d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{"callback": d.Callback, "panic": r}).
				Error("callback panicked; worker continues")
		}
	}()
	stats.Deliveries.WithLabelValues(d.Callback).Inc()
	cb(d)
}
