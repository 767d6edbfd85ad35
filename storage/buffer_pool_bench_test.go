package storage

import (
	"context"
	"math/rand"
	"testing"
)

func benchReplacers() []ReplacerKind {
	return []ReplacerKind{ReplacerClock, ReplacerLRUK, ReplacerTouchCount, ReplacerCostAware}
}

func BenchmarkPinHit(b *testing.B) {
	bpm, _ := newTestBPM(b, 64)
	ctx := context.Background()
	touchB(b, bpm, 1)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := bpm.PinFrame(ctx, 1); err != nil {
			b.Fatal(err)
		}
		if _, err := bpm.UnpinPage(1, false); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPinHitParallel(b *testing.B) {
	bpm, _ := newTestBPM(b, 1024)
	ctx := context.Background()
	for pid := PageID(0); pid < 512; pid++ {
		touchB(b, bpm, pid)
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		pid := PageID(rand.Intn(512))
		for pb.Next() {
			if _, err := bpm.PinFrame(ctx, pid); err != nil {
				b.Fatal(err)
			}
			if _, err := bpm.UnpinPage(pid, false); err != nil {
				b.Fatal(err)
			}
			pid = (pid + 7) & 511
		}
	})
}

// BenchmarkMissWithEviction keeps a working set four times the pool size
func BenchmarkMissWithEviction(b *testing.B) {
	for _, kind := range benchReplacers() {
		b.Run(string(kind), func(b *testing.B) {
			bpm, _ := newTestBPM(b, 256, func(c *Config) { c.Replacer = string(kind) })
			ctx := context.Background()
			rng := rand.New(rand.NewSource(1))

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pid := PageID(rng.Intn(1024))
				if _, err := bpm.PinFrame(ctx, pid); err != nil {
					b.Fatal(err)
				}
				if _, err := bpm.UnpinPage(pid, i%4 == 0); err != nil {
					b.Fatal(err)
				}
			}
			b.ReportMetric(bpm.Metrics().GetCacheHitRate(), "hit-ratio")
		})
	}
}

func touchB(b *testing.B, bpm *BufferPoolManager, pid PageID) {
	b.Helper()
	if _, err := bpm.PinFrame(context.Background(), pid); err != nil {
		b.Fatal(err)
	}
	if _, err := bpm.UnpinPage(pid, false); err != nil {
		b.Fatal(err)
	}
}
