// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reliability

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"revStore/pkg/log"
)

var (
	panicCount atomic.Int64

	handlerMu    sync.RWMutex
	panicHandler func(goroutineName string, panicValue interface{}, stack []byte)
)

// SetPanicHandler installs a callback run after every recovered panic, for
// example to bump a metric. Pass nil to remove it.
func SetPanicHandler(h func(goroutineName string, panicValue interface{}, stack []byte)) {
	handlerMu.Lock()
	panicHandler = h
	handlerMu.Unlock()
}

// RecoverPanic must be deferred directly: defer RecoverPanic("name").
func RecoverPanic(goroutineName string) {
	if r := recover(); r != nil {
		handlePanic(goroutineName, r)
	}
}

func handlePanic(name string, r interface{}) {
	panicCount.Add(1)
	stack := debug.Stack()

	log.Error("Panic recovered",
		log.Goroutine(name),
		log.String("panic_value", fmt.Sprintf("%v", r)),
		log.String("stack", string(stack)),
		log.Component("panic-recovery"))

	handlerMu.RLock()
	h := panicHandler
	handlerMu.RUnlock()
	if h != nil {
		h(name, r, stack)
	}
}

// SafeGo starts fn in a goroutine that survives panics.
func SafeGo(name string, fn func()) {
	go func() {
		defer RecoverPanic(name)
		fn()
	}()
}

// Guard runs fn and turns a panic into an error.
func Guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handlePanic(name, r)
			err = fmt.Errorf("internal server error: panic recovered")
		}
	}()
	return fn()
}

// GetPanicCount returns the number of panics recovered since start.
func GetPanicCount() int64 {
	return panicCount.Load()
}
