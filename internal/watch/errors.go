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

package watch

import "errors"

var (
	ErrCanceled             = errors.New("watch: canceled")
	ErrEndReached           = errors.New("watch: end revision reached")
	ErrSlowConsumer         = errors.New("watch: slow consumer")
	ErrRouterClosed         = errors.New("watch: router closed")
	ErrInvalidRevisionRange = errors.New("watch: end revision must be greater than start revision")
)
