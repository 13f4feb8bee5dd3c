package bucketing

import (
	"fmt"
	"testing"
)

func TestBucketIsStableAndInRange(t *testing.T) {
	m := NewManager(16)
	other := NewManager(16)

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("user%d@example.com", i)
		b := m.Bucket(key)
		if b < 0 || b >= 16 {
			t.Fatalf("bucket %d out of range", b)
		}
		if other.Bucket(key) != b {
			t.Fatalf("bucket for %s differs between managers", key)
		}
	}
}

func TestBucketSpread(t *testing.T) {
	m := NewManager(8)
	seen := map[int]int{}
	for i := 0; i < 800; i++ {
		seen[m.Bucket(fmt.Sprintf("k%d", i))]++
	}
	if len(seen) != 8 {
		t.Fatalf("only %d of 8 buckets used", len(seen))
	}
}

func TestNonPositiveBuckets(t *testing.T) {
	m := NewManager(0)
	if m.Buckets() != 1 || m.Bucket("anything") != 0 {
		t.Fatalf("zero-bucket manager should collapse to one bucket")
	}
}
