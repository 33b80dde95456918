// Package devices implements the registration table (spec.md §4.4,
// component C4) and the per-device ordered work queue the engine posts
// snapshot jobs onto. This file: the ordered, single-consumer queue
// itself (spec.md §9 design note: "a single-consumer bounded channel per
// device with a dedicated worker task; enqueue is a non-blocking send
// that fails if the worker has stopped").
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package devices

import "sync"

// queueDepth bounds how many jobs may be pending on a single device's
// queue before Submit starts refusing work. Unlike the kernel's
// kmalloc-backed workqueue this is finite; refusal here maps onto the
// spec's "allocation fails" failure mode for enqueue (spec.md §4.6).
const queueDepth = 4096

// workQueue is a FIFO, single-threaded job queue dedicated to one
// device (spec.md §3, ObjectData.wq). Submission and destruction share
// a mutex — the "wq_destroy" latch from spec.md §5 — so a Submit can
// never race a concurrent Destroy into sending on a closed channel.
type workQueue struct {
	submitMu  sync.Mutex // the wq_destroy latch (§5, position 5)
	destroyed bool        // monotonic: once true, never clears (spec.md §3)
	jobs      chan func()
	wg        sync.WaitGroup
}

func newWorkQueue() *workQueue {
	wq := &workQueue{jobs: make(chan func(), queueDepth)}
	wq.wg.Add(1)
	go wq.run()
	return wq
}

func (wq *workQueue) run() {
	defer wq.wg.Done()
	for job := range wq.jobs {
		job()
	}
}

// Submit posts job to the queue. It returns false without running job if
// the queue has been destroyed or is full (spec.md §4.6 enqueue: "Returns
// false if wq has become destroyed ... if allocation fails, or if wq
// refuses the submission").
func (wq *workQueue) Submit(job func()) bool {
	wq.submitMu.Lock()
	defer wq.submitMu.Unlock()

	if wq.destroyed {
		return false
	}
	select {
	case wq.jobs <- job:
		return true
	default:
		return false
	}
}

// Destroyed reports the monotonic wq_destroyed flag.
func (wq *workQueue) Destroyed() bool {
	wq.submitMu.Lock()
	defer wq.submitMu.Unlock()
	return wq.destroyed
}

// Drain marks the queue destroyed (refusing further Submits) and blocks
// until every already-queued job, including one posted via Submit a
// moment before Drain acquired the latch, has run to completion
// (spec.md §3: "existing jobs run to completion before wq is torn
// down").
func (wq *workQueue) Drain() {
	wq.submitMu.Lock()
	if wq.destroyed {
		wq.submitMu.Unlock()
		return
	}
	wq.destroyed = true
	close(wq.jobs)
	wq.submitMu.Unlock()

	wq.wg.Wait()
}
