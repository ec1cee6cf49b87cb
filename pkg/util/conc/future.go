// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import "context"

type future interface {
	wait()
	OK() bool
	Err() error
}

// Future is a result type of async-await style.
// It contains the result (or error) of an async task.
// Trying to obtain the result (or error) blocks until the async task completes.
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

func (future *Future[T]) wait() {
	<-future.ch
}

// Await returns the result and error of the async task.
func (future *Future[T]) Await() (T, error) {
	future.wait()
	return future.value, future.err
}

// AwaitContext 与 Await 相同，但在 ctx 结束时提前返回 ctx.Err()。
// 任务本身不会被取消，结果被丢弃。
func (future *Future[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-future.ch:
		return future.value, future.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Value returns the result of the async task,
// nil if no result or error occurred.
func (future *Future[T]) Value() T {
	<-future.ch

	return future.value
}

// OK reports whether the task has no error.
func (future *Future[T]) OK() bool {
	<-future.ch

	return future.err == nil
}

// Err returns the error if the task failed.
func (future *Future[T]) Err() error {
	<-future.ch

	return future.err
}

// Inner returns the inner channel,
// callers could select it with other channels.
func (future *Future[T]) Inner() <-chan struct{} {
	return future.ch
}

// Go spawns a goroutine to execute fn,
// returns a future that contains the result of fn.
// NOTE: use Pool if you need limited goroutines.
func Go[T any](fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
		future.value, future.err = fn()
		close(future.ch)
	}()
	return future
}

// AwaitAll awaits all futures,
// returns the first error occurred.
func AwaitAll[T future](futures ...T) error {
	var err error
	for i := range futures {
		if !futures[i].OK() && err == nil {
			err = futures[i].Err()
		}
	}
	return err
}
