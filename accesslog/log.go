// Package accesslog records one structured audit entry per request against
// the internal backend: who accessed which resources and fields, and why.
// It is the in-request complement to the internal backend's change log
// the change log answers "what changed", this answers "who
// looked at or touched it and under what scope".
package accesslog

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metasvc/corehub/common"
	"github.com/metasvc/corehub/queue"
)

// Accessor identifies the caller that performed an access, taken from the
// validated bearer token's subject claim.
type Accessor struct {
	Type string `json:"type"` // "client"
	ID   string `json:"id"`
}

// Entry is one audit record: the request's accessor, the operation it
// performed, the resources and fields it touched, and why access was
// granted (the access level the caller's scope satisfied).
type Entry struct {
	Time      time.Time  `json:"time"`
	Accessor  Accessor   `json:"accessor"`
	Method    string     `json:"method"` // "getone", "getall", "insert", "update", "patch", "delete", "changes"
	Reason    string     `json:"reason"` // access level name the request satisfied, e.g. "open", "protected"
	Resources []string   `json:"resources"`
	Fields    []string   `json:"fields,omitempty"`
}

// Sink receives completed Entries. Logger always writes every entry;
// Notifier, when configured, additionally publishes it so other services
// can consume the audit stream without polling.
type Sink interface {
	Record(e Entry)
}

// Log accumulates one request's accesses into a single Entry, which is
// flushed to its Sinks when the request completes. A fixed-capacity buffer
// caps how many distinct resources/fields a single request can log, so a
// pathological fan-out query cannot grow an entry unbounded.
type Log struct {
	sinks    []Sink
	bufSize  int
	entry    Entry
	resSeen  map[string]bool
	fldSeen  map[string]bool
}

// New starts a Log for one request, identified by its accessor and the
// operation name being performed. bufSize caps the number of distinct
// resources and fields recorded; additional accesses beyond the cap are
// silently dropped from the entry (the request itself is not throttled).
func New(accessor Accessor, method string, bufSize int) *Log {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Log{
		bufSize: bufSize,
		entry: Entry{
			Time:     time.Now().UTC(),
			Accessor: accessor,
			Method:   method,
		},
		resSeen: make(map[string]bool),
		fldSeen: make(map[string]bool),
	}
}

// AddSink attaches a Sink this Log flushes to on Flush.
func (l *Log) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Reason sets the access level the request's scope satisfied.
func (l *Log) Reason(level string) {
	l.entry.Reason = level
}

// Touch records one access against a qualified resource name (a model's
// Name), deduplicated, up to the Log's buffer capacity.
func (l *Log) Touch(resource string) {
	if l.resSeen[resource] || len(l.entry.Resources) >= l.bufSize {
		return
	}
	l.resSeen[resource] = true
	l.entry.Resources = append(l.entry.Resources, resource)
}

// TouchField records one access against a property's dotted place,
// deduplicated, up to the Log's buffer capacity.
func (l *Log) TouchField(place string) {
	if l.fldSeen[place] || len(l.entry.Fields) >= l.bufSize {
		return
	}
	l.fldSeen[place] = true
	l.entry.Fields = append(l.entry.Fields, place)
}

// Flush sends the accumulated Entry to every attached Sink.
func (l *Log) Flush() {
	for _, s := range l.sinks {
		s.Record(l.entry)
	}
}

// LogrusSink writes each Entry as a structured logrus line through the
// service's shared logger (common.Logger), the ambient logging idiom every
// other component follows.
type LogrusSink struct {
	logger *logrus.Logger
}

// NewLogrusSink returns a Sink writing to common.Logger.
func NewLogrusSink() *LogrusSink {
	return &LogrusSink{logger: common.Logger}
}

func (s *LogrusSink) Record(e Entry) {
	s.logger.WithFields(logrus.Fields{
		"accessor_type": e.Accessor.Type,
		"accessor_id":   e.Accessor.ID,
		"method":        e.Method,
		"reason":        e.Reason,
		"resources":     e.Resources,
		"fields":        e.Fields,
	}).Info("access")
}

// NotifierSink republishes each Entry as a ChangeEvent-shaped message on
// the same topic exchange the internal backend's change log uses, letting
// an external audit consumer subscribe instead of polling a log file. It
// is optional: requests are never blocked or failed by a publish error,
// only logged.
type NotifierSink struct {
	notifier queue.ChangeNotifier
	exchange string
}

// NewNotifierSink wraps an already-connected ChangeNotifier as an
// accesslog Sink.
func NewNotifierSink(notifier queue.ChangeNotifier) *NotifierSink {
	return &NotifierSink{notifier: notifier}
}

func (s *NotifierSink) Record(e Entry) {
	for _, resource := range e.Resources {
		event := queue.ChangeEvent{
			Model:  resource,
			ID:     e.Accessor.ID,
			Action: e.Method,
		}
		if err := s.notifier.Publish(event); err != nil {
			common.Logger.WithError(err).Warn("accesslog: failed to publish access event")
		}
	}
}
