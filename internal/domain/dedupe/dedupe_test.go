package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	dedupe "github.com/okian/evalboard/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given an in-flight task tracker", t, func() {
		d := dedupe.NewInMemoryDeduper()
		So(d.Size(), ShouldEqual, 0)

		Convey("When a task id is claimed for the first time", func() {
			So(d.SeenAndRecord(ctx, "task-1"), ShouldBeFalse)

			Convey("Then a redelivery of the same task is reported as seen", func() {
				So(d.SeenAndRecord(ctx, "task-1"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("Then releasing it allows the task to be claimed again", func() {
				d.Unrecord(ctx, "task-1")
				So(d.Size(), ShouldEqual, 0)
				So(d.SeenAndRecord(ctx, "task-1"), ShouldBeFalse)
			})
		})

		Convey("When releasing an unknown id", func() {
			d.Unrecord(ctx, "nope")

			Convey("Then nothing changes", func() {
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When several distinct tasks are claimed", func() {
			for i := 0; i < 5; i++ {
				So(d.SeenAndRecord(ctx, fmt.Sprintf("task-%d", i)), ShouldBeFalse)
			}

			Convey("Then each is tracked independently", func() {
				So(d.Size(), ShouldEqual, 5)
				d.Unrecord(ctx, "task-2")
				So(d.Size(), ShouldEqual, 4)
				So(d.SeenAndRecord(ctx, "task-3"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "task-2"), ShouldBeFalse)
			})
		})
	})
}

func TestDeduperBounds(t *testing.T) {
	ctx := context.Background()

	Convey("Given a tracker bounded to three ids", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
		for _, id := range []string{"a", "b", "c"} {
			d.SeenAndRecord(ctx, id)
		}

		Convey("When a fourth id is claimed", func() {
			So(d.SeenAndRecord(ctx, "d"), ShouldBeFalse)

			Convey("Then the oldest id is evicted", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "b"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "d"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "a"), ShouldBeFalse)
			})
		})

		Convey("When a middle id is released before the bound is hit", func() {
			d.Unrecord(ctx, "b")
			So(d.SeenAndRecord(ctx, "d"), ShouldBeFalse)

			Convey("Then no eviction happens", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "a"), ShouldBeTrue)
			})
		})
	})

	Convey("Given an unbounded tracker", t, func() {
		for _, size := range []int{0, -1} {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(size))
			for i := 0; i < 1000; i++ {
				d.SeenAndRecord(ctx, fmt.Sprintf("task-%d", i))
			}
			So(d.Size(), ShouldEqual, 1000)
			So(d.SeenAndRecord(ctx, "task-0"), ShouldBeTrue)
		}
	})
}

func TestDeduperConcurrency(t *testing.T) {
	ctx := context.Background()

	Convey("Given many workers racing for the same task id", t, func() {
		d := dedupe.NewInMemoryDeduper()
		var (
			wg     sync.WaitGroup
			claims atomic.Int32
		)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !d.SeenAndRecord(ctx, "task-1") {
					claims.Add(1)
				}
			}()
		}
		wg.Wait()

		Convey("Then exactly one of them claims it", func() {
			So(claims.Load(), ShouldEqual, 1)
			So(d.Size(), ShouldEqual, 1)
		})
	})

	Convey("Given concurrent claims and releases of distinct ids", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					id := fmt.Sprintf("task-%d-%d", g, j)
					d.SeenAndRecord(ctx, id)
					if j%2 == 0 {
						d.Unrecord(ctx, id)
					}
				}
			}(g)
		}
		wg.Wait()

		So(d.Size(), ShouldEqual, 8*50)
	})
}
