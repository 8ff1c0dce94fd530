package accesslog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metasvc/corehub/queue"
)

type fakeSink struct {
	entries []Entry
}

func (f *fakeSink) Record(e Entry) {
	f.entries = append(f.entries, e)
}

type recordingNotifier struct {
	events []queue.ChangeEvent
}

func (r *recordingNotifier) Publish(event queue.ChangeEvent) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func TestTouchDeduplicates(t *testing.T) {
	l := New(Accessor{Type: "client", ID: "c1"}, "getall", 0)
	l.Touch("ds/Org")
	l.Touch("ds/Org")
	l.Touch("ds/Person")
	require.Len(t, l.entry.Resources, 2)
	assert.Equal(t, []string{"ds/Org", "ds/Person"}, l.entry.Resources)
}

func TestTouchRespectsBufferCap(t *testing.T) {
	l := New(Accessor{Type: "client", ID: "c1"}, "getall", 1)
	l.Touch("ds/Org")
	l.Touch("ds/Person")
	assert.Len(t, l.entry.Resources, 1)
}

func TestFlushSendsToAllSinks(t *testing.T) {
	l := New(Accessor{Type: "client", ID: "c1"}, "getone", 8)
	l.Reason("protected")
	l.Touch("ds/Org")
	l.TouchField("title")

	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	l.AddSink(sinkA)
	l.AddSink(sinkB)
	l.Flush()

	require.Len(t, sinkA.entries, 1)
	require.Len(t, sinkB.entries, 1)
	assert.Equal(t, "protected", sinkA.entries[0].Reason)
	assert.Equal(t, []string{"title"}, sinkA.entries[0].Fields)
}

func TestNotifierSinkPublishesPerResource(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := NewNotifierSink(notifier)

	l := New(Accessor{Type: "client", ID: "c1"}, "insert", 8)
	l.Touch("ds/Org")
	l.Touch("ds/Person")
	l.AddSink(sink)
	l.Flush()

	assert.Len(t, notifier.events, 2)
}
