package budget

import (
	"testing"
	"time"
)

// testBucket returns a bucket on an injected clock the caller can
// advance.
func testBucket(capacity int, period time.Duration) (*Bucket, *time.Time) {
	b := New(capacity, period)
	clock := time.Now()
	b.now = func() time.Time { return clock }
	b.lastRefill = clock
	return b, &clock
}

func TestConsume_Basic(t *testing.T) {
	b, _ := testBucket(10, time.Minute)

	if !b.Consume(4) {
		t.Fatal("Expected consume to succeed")
	}
	if b.Remaining() != 6 {
		t.Errorf("Expected 6 remaining, got %d", b.Remaining())
	}
	if b.Consume(7) {
		t.Error("Expected consume beyond remaining to fail")
	}
	if b.Remaining() != 6 {
		t.Errorf("Expected failed consume to leave tokens untouched, got %d", b.Remaining())
	}
	if b.ConsumedTotal() != 4 {
		t.Errorf("Expected lifetime total 4, got %d", b.ConsumedTotal())
	}
}

func TestConsumeForAction_CostModel(t *testing.T) {
	b, _ := testBucket(6, time.Minute)

	if !b.ConsumeForAction("command") { // cost 5
		t.Fatal("Expected command action within budget")
	}
	if b.ConsumeForAction("command") {
		t.Error("Expected second command action to be deferred")
	}
	if !b.ConsumeForAction("log") { // cost 1
		t.Error("Expected log action to fit in the remainder")
	}
	if !b.ConsumeForAction("unknown-type") {
		t.Error("Expected unknown action type to consume nothing")
	}
}

func TestRefill_LazyOnConsume(t *testing.T) {
	b, clock := testBucket(5, time.Minute)

	if !b.Consume(5) {
		t.Fatal("Expected initial consume to succeed")
	}
	if b.Consume(1) {
		t.Fatal("Expected empty bucket to defer")
	}

	// Short of a full period: still empty.
	*clock = clock.Add(59 * time.Second)
	if b.Remaining() != 0 {
		t.Errorf("Expected no refill before the period elapses, got %d", b.Remaining())
	}

	// One period later the next consume sees a full bucket again.
	*clock = clock.Add(2 * time.Second)
	if !b.Consume(5) {
		t.Error("Expected refill to full capacity after the period")
	}
	if b.Refills() != 1 {
		t.Errorf("Expected 1 refill applied, got %d", b.Refills())
	}
}

func TestNew_PanicsOnBadInputs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Expected panic for capacity 0")
		}
	}()
	New(0, time.Second)
}
