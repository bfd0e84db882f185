package store_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/state"
	"github.com/guardian/support-admin-console-sub001/internal/store"
	"github.com/guardian/support-admin-console-sub001/internal/store/storetest"
)

const benchEditor = "bench@example.com"

var benchSizes = []int{10, 100, 1000}

func benchLogger() *events.Logger {
	return events.NewTestLogger(events.ErrorLevel, "json", &bytes.Buffer{})
}

func benchNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("test-%04d", i)
	}
	return names
}

func benchEngines(b *testing.B) map[string]*store.Engine {
	b.Helper()
	backend, err := state.OpenSQLStore(context.Background(), state.DriverSQLite,
		filepath.Join(b.TempDir(), "bench.db"), benchLogger())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { backend.Close() })

	return map[string]*store.Engine{
		"memory": store.NewMemory(benchLogger()),
		"sqlite": store.NewEngine(backend, backend, benchLogger()),
	}
}

func BenchmarkEngineSave(b *testing.B) {
	ctx := context.Background()
	for name, engine := range benchEngines(b) {
		for _, size := range benchSizes {
			b.Run(fmt.Sprintf("%s/%d", name, size), func(b *testing.B) {
				collection := fmt.Sprintf("save-%d", size)
				value := storetest.Tests(benchNames(size)...)

				b.ReportAllocs()
				b.ResetTimer()

				version := ""
				for i := 0; i < b.N; i++ {
					if err := engine.Save(ctx, benchEditor, collection, version, value); err != nil {
						b.Fatal(err)
					}
					snap, err := engine.Fetch(ctx, benchEditor, collection)
					if err != nil {
						b.Fatal(err)
					}
					version = snap.Version
				}
			})
		}
	}
}

func BenchmarkEngineFetch(b *testing.B) {
	ctx := context.Background()
	for name, engine := range benchEngines(b) {
		for _, size := range benchSizes {
			b.Run(fmt.Sprintf("%s/%d", name, size), func(b *testing.B) {
				collection := fmt.Sprintf("fetch-%d", size)
				names := benchNames(size)
				if err := engine.Save(ctx, benchEditor, collection, "", storetest.Tests(names...)); err != nil {
					b.Fatal(err)
				}
				for _, item := range names[:size/10] {
					if err := engine.Lock(ctx, benchEditor, models.ItemKey(collection, item)); err != nil {
						b.Fatal(err)
					}
				}

				b.ReportAllocs()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					if _, err := engine.Fetch(ctx, benchEditor, collection); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkEngineReorder(b *testing.B) {
	ctx := context.Background()
	for name, engine := range benchEngines(b) {
		b.Run(name, func(b *testing.B) {
			collection := "reorder"
			names := benchNames(100)
			if err := engine.Save(ctx, benchEditor, collection, "", storetest.Tests(names...)); err != nil {
				b.Fatal(err)
			}
			snap, err := engine.Fetch(ctx, benchEditor, collection)
			if err != nil {
				b.Fatal(err)
			}
			version := snap.Version

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				slices.Reverse(names)
				if err := engine.Reorder(ctx, benchEditor, collection, version, names); err != nil {
					b.Fatal(err)
				}
				b.StopTimer()
				snap, err := engine.Fetch(ctx, benchEditor, collection)
				if err != nil {
					b.Fatal(err)
				}
				version = snap.Version
				b.StartTimer()
			}
		})
	}
}

func BenchmarkEngineLockCycle(b *testing.B) {
	ctx := context.Background()
	for name, engine := range benchEngines(b) {
		b.Run(name, func(b *testing.B) {
			key := models.ItemKey("locks", "test-0001")

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := engine.Lock(ctx, benchEditor, key); err != nil {
					b.Fatal(err)
				}
				if err := engine.Unlock(ctx, benchEditor, key); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
