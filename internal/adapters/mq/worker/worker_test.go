package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/evalboard/internal/adapters/mq/queue"
	worker "github.com/okian/evalboard/internal/adapters/mq/worker"
	"github.com/okian/evalboard/internal/domain/dedupe"
	model "github.com/okian/evalboard/internal/domain/model"
	logging "github.com/okian/evalboard/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

type mockQueue struct {
	jobs chan queue.Job
	once sync.Once
}

func newMockQueue() *mockQueue { return &mockQueue{jobs: make(chan queue.Job, 16)} }

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Job { return mq.jobs }

func (mq *mockQueue) Close() error {
	mq.once.Do(func() { close(mq.jobs) })
	return nil
}

type ackRecorder struct {
	mu   sync.Mutex
	acks map[string][]bool
	wg   sync.WaitGroup
}

func newAckRecorder() *ackRecorder { return &ackRecorder{acks: make(map[string][]bool)} }

func (a *ackRecorder) job(taskID string, payload []byte) queue.Job {
	a.wg.Add(1)
	return queue.NewJob(taskID, payload, func(ok bool) {
		a.mu.Lock()
		a.acks[taskID] = append(a.acks[taskID], ok)
		a.mu.Unlock()
		a.wg.Done()
	})
}

func (a *ackRecorder) get(taskID string) []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.acks[taskID]...)
}

func (a *ackRecorder) wait(t *testing.T) {
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for acks")
	}
}

type mockExecutor struct {
	mu      sync.Mutex
	seen    []model.Job
	errs    map[string]error
	panics  map[string]bool
	block   chan struct{}
	started chan string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{errs: make(map[string]error), panics: make(map[string]bool)}
}

func (m *mockExecutor) Execute(_ context.Context, job model.Job) error {
	if m.started != nil {
		m.started <- job.TaskID
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	m.seen = append(m.seen, job)
	err, shouldPanic := m.errs[job.TaskID], m.panics[job.TaskID]
	m.mu.Unlock()
	if shouldPanic {
		panic("evaluator exploded")
	}
	return err
}

func (m *mockExecutor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func payload(taskID string) []byte {
	b, _ := json.Marshal(model.Job{
		TaskID: taskID,
		Plan:   model.DefaultPlan("q"),
		Models: []model.ModelRequest{{Name: "model-a"}},
	})
	return b
}

func TestPool(t *testing.T) {
	_ = logging.Init()

	convey.Convey("Given a pool over a job queue", t, func() {
		q := newMockQueue()
		exec := newMockExecutor()
		acks := newAckRecorder()
		pool := worker.NewPool(3, q, exec)
		convey.So(pool.Size(), convey.ShouldEqual, 3)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		convey.Convey("When jobs succeed they are acked", func() {
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("task-%d", i)
				q.jobs <- acks.job(id, payload(id))
			}
			acks.wait(t)

			convey.So(exec.count(), convey.ShouldEqual, 5)
			for i := 0; i < 5; i++ {
				convey.So(acks.get(fmt.Sprintf("task-%d", i)), convey.ShouldResemble, []bool{true})
			}
			exec.mu.Lock()
			convey.So(exec.seen[0].Models[0].Name, convey.ShouldEqual, "model-a")
			exec.mu.Unlock()
		})

		convey.Convey("When a job fails it is nacked", func() {
			exec.errs["bad"] = errors.New("toolkit unavailable")
			q.jobs <- acks.job("bad", payload("bad"))
			acks.wait(t)
			convey.So(acks.get("bad"), convey.ShouldResemble, []bool{false})
		})

		convey.Convey("When the executor panics the worker survives", func() {
			exec.panics["boom"] = true
			q.jobs <- acks.job("boom", payload("boom"))
			q.jobs <- acks.job("after", payload("after"))
			acks.wait(t)
			convey.So(acks.get("boom"), convey.ShouldResemble, []bool{false})
			convey.So(acks.get("after"), convey.ShouldResemble, []bool{true})
		})

		convey.Convey("When the payload is malformed it is nacked without executing", func() {
			q.jobs <- acks.job("junk", []byte("not json"))
			acks.wait(t)
			convey.So(acks.get("junk"), convey.ShouldResemble, []bool{false})
			convey.So(exec.count(), convey.ShouldEqual, 0)
		})

		convey.Convey("When the queue closes shutdown completes", func() {
			convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
		})

		convey.Reset(func() { _ = pool.Shutdown(context.Background()) })
	})
}

func TestPoolDropsInFlightRedelivery(t *testing.T) {
	_ = logging.Init()

	convey.Convey("Given a task that is still executing", t, func() {
		q := newMockQueue()
		exec := newMockExecutor()
		exec.block = make(chan struct{})
		exec.started = make(chan string, 4)
		acks := newAckRecorder()
		d := dedupe.NewInMemoryDeduper()

		pool := worker.NewPool(2, q, exec, worker.WithPoolDeduper(d))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		q.jobs <- acks.job("task-1", payload("task-1"))
		convey.So(<-exec.started, convey.ShouldEqual, "task-1")

		convey.Convey("When the same task is redelivered", func() {
			q.jobs <- acks.job("task-1", payload("task-1"))

			convey.Convey("Then the duplicate is acked and dropped", func() {
				deadline := time.After(5 * time.Second)
				for len(acks.get("task-1")) == 0 {
					select {
					case <-deadline:
						t.Fatal("duplicate was never acked")
					case <-time.After(5 * time.Millisecond):
					}
				}
				convey.So(acks.get("task-1"), convey.ShouldResemble, []bool{true})
				convey.So(d.Size(), convey.ShouldEqual, 1)

				close(exec.block)
				acks.wait(t)
				convey.So(exec.count(), convey.ShouldEqual, 1)
				convey.So(acks.get("task-1"), convey.ShouldResemble, []bool{true, true})
				convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
				convey.So(d.Size(), convey.ShouldEqual, 0)
			})
		})
	})
}

func TestInMemoryWorkerShutdown(t *testing.T) {
	convey.Convey("Given a single worker", t, func() {
		jobs := make(chan queue.Job)
		w := worker.NewInMemoryWorker(jobs, newMockExecutor(), worker.WithName("solo"), worker.WithLogger(logging.Nop()))
		go w.Run(context.Background())

		convey.Convey("Then shutdown returns once the loop exits", func() {
			convey.So(w.Shutdown(context.Background()), convey.ShouldBeNil)
			convey.So(w.Shutdown(context.Background()), convey.ShouldBeNil)
		})
	})
}
