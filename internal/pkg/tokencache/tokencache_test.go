package tokencache

import (
	"testing"
	"time"

	"github.com/mrmd-cloud/core/internal/clients"
)

func TestPositiveAndNegativeTTLs(t *testing.T) {
	now := time.Now()
	c := New()
	c.now = func() time.Time { return now }

	c.PutPositive("good", &clients.User{ID: "u1"})
	c.PutNegative("bad")

	if u, ok := c.Get("good"); !ok || u == nil || u.ID != "u1" {
		t.Fatalf("positive entry missing: %v %v", u, ok)
	}
	if u, ok := c.Get("bad"); !ok || u != nil {
		t.Fatalf("negative entry should be (nil, true): %v %v", u, ok)
	}

	// after 10 s the rejection expired, the positive entry did not
	now = now.Add(10 * time.Second)
	if _, ok := c.Get("bad"); ok {
		t.Fatal("negative entry should have expired")
	}
	if _, ok := c.Get("good"); !ok {
		t.Fatal("positive entry expired too early")
	}

	now = now.Add(60 * time.Second)
	if _, ok := c.Get("good"); ok {
		t.Fatal("positive entry should have expired")
	}
}

func TestInvalidateAndSweep(t *testing.T) {
	now := time.Now()
	c := New()
	c.now = func() time.Time { return now }

	c.PutPositive("t1", &clients.User{ID: "u1"})
	c.PutPositive("t2", &clients.User{ID: "u2"})
	c.Invalidate("t1")
	if _, ok := c.Get("t1"); ok {
		t.Fatal("invalidated token still cached")
	}

	now = now.Add(2 * time.Minute)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if c.Size() != 0 {
		t.Fatalf("size = %d after sweep", c.Size())
	}
}
