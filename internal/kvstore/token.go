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

package kvstore

import (
	"fmt"
	"strconv"
)

const tokenWidth = 16

// EncodeToken returns the consistent token of a global index. Tokens are
// fixed-width hex, so they compare as strings exactly as their indices do.
func EncodeToken(rev int64) string {
	return fmt.Sprintf("%0*x", tokenWidth, uint64(rev))
}

// ParseToken returns the global index a token was issued for.
func ParseToken(token string) (int64, error) {
	if len(token) != tokenWidth {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	rev, err := strconv.ParseUint(token, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return int64(rev), nil
}

// CompareTokens orders two tokens by their indices.
func CompareTokens(a, b string) (int, error) {
	ra, err := ParseToken(a)
	if err != nil {
		return 0, err
	}
	rb, err := ParseToken(b)
	if err != nil {
		return 0, err
	}
	switch {
	case ra < rb:
		return -1, nil
	case ra > rb:
		return 1, nil
	}
	return 0, nil
}
